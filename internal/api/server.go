package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"monokkai/internal/dispatch"
	xerrors "monokkai/internal/errors"
	"monokkai/internal/invocation"
	"monokkai/internal/observability/metrics"
	"monokkai/pkg/extension"
	"monokkai/pkg/logger"
)

// Host 是 API 依赖的扩展宿主能力，通常由 *extension.Manager 实现。
type Host interface {
	Modules() []extension.ModuleInfo
	Execute(name string, args []string) error
}

// Server 负责暴露 REST 接口，供外部查询扩展并驱动执行。
type Server struct {
	addr        string
	host        Host
	invocations *invocation.Service
	metrics     *metrics.Metrics
	execTimeout time.Duration
	log         *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithInvocations 启用异步调用接口。
func WithInvocations(svc *invocation.Service) Option {
	return func(s *Server) {
		s.invocations = svc
	}
}

// WithMetrics 启用请求指标与 /metrics 端点。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithExecuteTimeout 限制同步执行接口的等待时间。
func WithExecuteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.execTimeout = timeout
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, host Host, opts ...Option) *Server {
	s := &Server{addr: addr, host: host, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	if s.metrics != nil {
		router.Use(s.metrics.Middleware(routeTemplate))
		router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/extensions", s.handleListExtensions).Methods(http.MethodGet)
	v1.HandleFunc("/extensions/{name}/execute", s.handleExecute).Methods(http.MethodPost)
	v1.HandleFunc("/invocations", s.handleSubmitInvocation).Methods(http.MethodPost)
	v1.HandleFunc("/invocations", s.handleListInvocations).Methods(http.MethodGet)
	v1.HandleFunc("/invocations/stats", s.handleInvocationStats).Methods(http.MethodGet)
	v1.HandleFunc("/invocations/{id}", s.handleInvocationDetail).Methods(http.MethodGet)
	return router
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	count := 0
	if s.host != nil {
		count = len(s.host.Modules())
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "extensions": count})
}

func (s *Server) handleListExtensions(w http.ResponseWriter, _ *http.Request) {
	if s.host == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "扩展宿主未初始化"))
		return
	}
	modules := s.host.Modules()
	if modules == nil {
		modules = []extension.ModuleInfo{}
	}
	writeJSON(w, http.StatusOK, modules)
}

// ExecuteRequest 是同步执行接口的请求体。
type ExecuteRequest struct {
	Args []string `json:"args"`
}

// ExecuteResponse 描述同步执行结果。
type ExecuteResponse struct {
	Extension string `json:"extension"`
	ExitCode  int    `json:"exit_code"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	ctx := r.Context()
	if s.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.execTimeout)
		defer cancel()
	}
	if err := dispatch.New(s.host).RunWithDeadline(ctx, name, req.Args); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{Extension: name, ExitCode: dispatch.ExitOK})
}

func (s *Server) handleSubmitInvocation(w http.ResponseWriter, r *http.Request) {
	if s.invocations == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "调用服务未启用"))
		return
	}
	var req invocation.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, xerrors.Wrap(invocation.CodeInvocationValidation, err, "请求体解析失败"))
		return
	}
	inv, err := s.invocations.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, inv)
}

func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	if s.invocations == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "调用服务未启用"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items, err := s.invocations.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []*invocation.Invocation{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleInvocationStats(w http.ResponseWriter, r *http.Request) {
	if s.invocations == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "调用服务未启用"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.invocations.Stats(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleInvocationDetail(w http.ResponseWriter, r *http.Request) {
	if s.invocations == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "调用服务未启用"))
		return
	}
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少调用 ID"))
		return
	}
	inv, err := s.invocations.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func parseListOptions(r *http.Request) ([]invocation.ListOption, error) {
	query := r.URL.Query()
	var opts []invocation.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
		}
		opts = append(opts, invocation.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts = append(opts, invocation.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []invocation.Status
		for _, part := range strings.Split(raw, ",") {
			status := invocation.Status(strings.TrimSpace(part))
			if !invocation.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的调用状态: "+string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, invocation.WithStatuses(statuses...))
	}
	if ext := query.Get("extension"); ext != "" {
		opts = append(opts, invocation.WithExtension(ext))
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "since 需为 RFC3339 时间")
		}
		opts = append(opts, invocation.WithUpdatedSince(ts))
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "until 需为 RFC3339 时间")
		}
		opts = append(opts, invocation.WithUpdatedUntil(ts))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, invocation.WithSortOrder(invocation.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 仅支持 asc/desc")
	}
	return opts, nil
}

// ErrorBody 是所有错误响应的统一格式。
type ErrorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ExitCode int    `json:"exit_code"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, map[string]ErrorBody{"error": {
		Code:     string(xerrors.CodeOf(err)),
		Message:  err.Error(),
		ExitCode: dispatch.ExitCode(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return ""
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
