package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"monokkai/pkg/extension"
)

func (a *app) newInspectCommand() *cobra.Command {
	var (
		abi      string
		settings []string
	)
	cmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "Load a single module and print the extension it provides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseSettings(settings)
			if err != nil {
				return err
			}
			kind := extension.ABI(strings.ToLower(abi))
			if kind != extension.ABIGo && kind != extension.ABIC {
				return usageError("unknown abi %q", abi)
			}

			manager := newManager(nil, nil)
			defer manager.Close()
			if err := manager.Load(args[0], extension.WithABI(kind), extension.WithSettings(parsed)); err != nil {
				return exitWith(err)
			}
			for _, m := range manager.Modules() {
				fmt.Fprintf(a.stdout, "name: %s\nabi:  %s\npath: %s\n", m.Name, m.ABI, m.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&abi, "abi", string(extension.ABIGo), "module ABI: go or c")
	cmd.Flags().StringArrayVar(&settings, "set", nil, "setting passed to a configurable extension (key=value, repeatable)")
	return cmd
}

func parseSettings(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, usageError("invalid setting %q, expected key=value", pair)
		}
		out[strings.TrimSpace(key)] = value
	}
	return out, nil
}
