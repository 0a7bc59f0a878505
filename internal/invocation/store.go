package invocation

import (
	"context"

	xerrors "monokkai/internal/errors"
)

// Store 抽象了调用状态的持久化接口。
type Store interface {
	Create(ctx context.Context, inv *Invocation) error
	Get(ctx context.Context, id string) (*Invocation, error)
	// Claim 将 pending 状态的调用原子地切换为 running，每个调用只能被领取一次。
	Claim(ctx context.Context, id string) (*Invocation, error)
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*Invocation, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
