// Package config 基于 viper 加载 monokkai 的运行配置：YAML/JSON 文件、
// MONOKKAI_ 前缀的环境变量以及内置默认值。
package config
