package invocation

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "monokkai/internal/errors"
	"monokkai/pkg/extension"
	"monokkai/pkg/logger"
)

// Catalog 用于在提交前确认扩展已注册，通常由 *extension.Manager 实现。
type Catalog interface {
	Get(name string) (extension.Extension, bool)
}

// SubmitRequest 描述一次调用请求。ID 为空时自动生成；相同 ID 的重复提交返回已有记录。
type SubmitRequest struct {
	ID        string   `json:"id,omitempty"`
	Extension string   `json:"extension"`
	Args      []string `json:"args"`
}

// Service 负责调用的创建与查询。
type Service struct {
	store    Store
	producer Producer
	catalog  Catalog
}

// NewService 构造调用服务。
func NewService(store Store, producer Producer, catalog Catalog) *Service {
	return &Service{store: store, producer: producer, catalog: catalog}
}

// Submit 创建一个新的调用并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Invocation, error) {
	name := strings.TrimSpace(req.Extension)
	if name == "" {
		return nil, xerrors.New(CodeInvocationValidation, "扩展名称不能为空")
	}
	if s.store == nil || s.producer == nil || s.catalog == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "调用服务未初始化")
	}
	if _, ok := s.catalog.Get(name); !ok {
		return nil, xerrors.New(extension.CodeNotFound, fmt.Sprintf("extension %q not found", name),
			xerrors.WithMetadata("extension", name))
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		existing, err := s.store.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrInvocationNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	inv := &Invocation{
		ID:        id,
		Extension: name,
		Args:      slices.Clone(req.Args),
		Status:    StatusPending,
	}
	if inv.Args == nil {
		inv.Args = []string{}
	}
	if err := s.store.Create(ctx, inv); err != nil {
		if stdErrors.Is(err, ErrInvocationConflict) {
			if existing, getErr := s.store.Get(ctx, id); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("调用入队失败", slog.Any("error", err), slog.String("invocation_id", id))
		wrapped := xerrors.Wrap(CodeInvocationPublish, err, "发布调用到队列失败",
			xerrors.WithMetadata("extension", name))
		_ = s.store.MarkFailed(ctx, id, CodeInvocationPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("调用入队成功",
		slog.String("invocation_id", id),
		slog.String("extension", name),
		slog.Int("argc", len(inv.Args)),
	)
	return inv, nil
}

// Get 返回指定调用的状态。
func (s *Service) Get(ctx context.Context, id string) (*Invocation, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "调用存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的调用列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Invocation, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "调用存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的调用统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "调用存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询直到调用结束或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Invocation, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		inv, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if inv.Done() {
			return inv, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
