package invocation

import (
	"net/http"
	"slices"
	"time"

	xerrors "monokkai/internal/errors"
)

// Status 表示调用在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Invocation 描述一次排队执行的扩展调用。时间字段均为 Unix 毫秒。
type Invocation struct {
	ID         string   `json:"id"`
	Extension  string   `json:"extension"`
	Args       []string `json:"args"`
	Status     Status   `json:"status"`
	Attempts   int      `json:"attempts"`
	LastError  string   `json:"last_error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
	StartedAt  int64    `json:"started_at,omitempty"`
	FinishedAt int64    `json:"finished_at,omitempty"`
}

// Done 判断调用是否已经结束。
func (i *Invocation) Done() bool {
	return i != nil && (i.Status == StatusSucceeded || i.Status == StatusFailed)
}

var (
	// ErrInvocationNotFound 表示指定的调用不存在。
	ErrInvocationNotFound = xerrors.New(CodeInvocationNotFound, "invocation not found")
	// ErrInvocationConflict 表示调用在当前状态下无法进行所请求的操作。
	ErrInvocationConflict = xerrors.New(CodeInvocationConflict, "invocation conflict")
	// ErrInvocationCompleted 表示调用已经结束，不会再次执行。
	ErrInvocationCompleted = xerrors.New(CodeInvocationCompleted, "invocation already completed")
)

const (
	CodeInvocationNotFound   xerrors.Code = "INVOCATION_NOT_FOUND"
	CodeInvocationConflict   xerrors.Code = "INVOCATION_CONFLICT"
	CodeInvocationCompleted  xerrors.Code = "INVOCATION_COMPLETED"
	CodeInvocationValidation xerrors.Code = "INVOCATION_VALIDATION_FAILED"
	CodeInvocationPublish    xerrors.Code = "INVOCATION_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeInvocationNotFound, xerrors.Attributes{
		Message:    "invocation not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeInvocationConflict, xerrors.Attributes{
		Message:    "invocation conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInvocationCompleted, xerrors.Attributes{
		Message:    "invocation already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInvocationValidation, xerrors.Attributes{
		Message:    "invocation validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeInvocationPublish, xerrors.Attributes{
		Message:    "failed to publish invocation",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneInvocation(inv *Invocation) *Invocation {
	clone := *inv
	clone.Args = slices.Clone(inv.Args)
	return &clone
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
