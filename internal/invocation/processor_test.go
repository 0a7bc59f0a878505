package invocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "monokkai/internal/errors"
	"monokkai/internal/observability/alerting"
	"monokkai/pkg/extension"
)

// fakeHost plays both the catalog and the executor.
type fakeHost struct {
	names     map[string]bool
	processed atomic.Int32
	latency   time.Duration
	failWith  map[string]error
}

func newFakeHost(names ...string) *fakeHost {
	h := &fakeHost{names: map[string]bool{}, failWith: map[string]error{}}
	for _, n := range names {
		h.names[n] = true
	}
	return h
}

func (h *fakeHost) Get(name string) (extension.Extension, bool) {
	if !h.names[name] {
		return nil, false
	}
	return nil, true
}

func (h *fakeHost) Execute(name string, _ []string) error {
	if h.latency > 0 {
		time.Sleep(h.latency)
	}
	h.processed.Add(1)
	if !h.names[name] {
		return xerrors.New(extension.CodeNotFound, "")
	}
	if err := h.failWith[name]; err != nil {
		return xerrors.Wrap(extension.CodeExecution, err, "extension failed", xerrors.WithMetadata("extension", name))
	}
	return nil
}

type alertRecorder struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *alertRecorder) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *alertRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessorHandlesConcurrentInvocations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	host := newFakeHost("greet")
	host.latency = 5 * time.Millisecond

	service := NewService(store, queue, host)
	processor := NewProcessor(host, store, queue, WithWorkerCount(8))

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	total := 100
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, SubmitRequest{Extension: "greet", Args: []string{fmt.Sprint(i)}}); err != nil {
			t.Fatalf("提交调用失败: %v", err)
		}
	}

	waitFor(t, func() bool {
		stats, _ := service.Stats(ctx)
		return stats.Succeeded == total
	}, "all invocations to succeed")
	if got := int(host.processed.Load()); got != total {
		t.Fatalf("each invocation must execute exactly once, got %d executions", got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("processor exited: %v", err)
	}
}

func TestProcessorMarksFailureWithoutRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	host := newFakeHost("refuse")
	host.failWith["refuse"] = errors.New("nope")
	alerts := &alertRecorder{}

	var finished atomic.Int32
	service := NewService(store, queue, host)
	processor := NewProcessor(host, store, queue,
		WithAlertDispatcher(alerts),
		WithResultHook(func(inv *Invocation) {
			if inv.Status == StatusFailed {
				finished.Add(1)
			}
		}),
	)
	go func() { _ = processor.Start(ctx) }()

	inv, err := service.Submit(ctx, SubmitRequest{Extension: "refuse"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	result, err := service.WaitUntilCompleted(ctx, inv.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Status != StatusFailed || result.ErrorCode != string(extension.CodeExecution) || result.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	waitFor(t, func() bool { return alerts.count() == 1 && finished.Load() == 1 }, "alert and result hook")

	// republishing a failed invocation never runs it again
	if err := queue.Publish(ctx, inv.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if host.processed.Load() != 1 {
		t.Fatalf("failed invocation was executed again")
	}
	alerts.mu.Lock()
	event := alerts.events[0]
	alerts.mu.Unlock()
	if event.InvocationID != inv.ID || event.Extension != "refuse" || event.Code != extension.CodeExecution {
		t.Fatalf("unexpected alert: %+v", event)
	}
}

func TestProcessorExecutionTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	host := newFakeHost("slow")
	host.latency = 300 * time.Millisecond

	service := NewService(store, queue, host)
	processor := NewProcessor(host, store, queue, WithExecutionTimeout(20*time.Millisecond))
	go func() { _ = processor.Start(ctx) }()

	inv, err := service.Submit(ctx, SubmitRequest{Extension: "slow"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	result, err := service.WaitUntilCompleted(ctx, inv.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Status != StatusFailed || result.ErrorCode != string(xerrors.CodeTimeout) {
		t.Fatalf("expected timeout failure, got %+v", result)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(4), newFakeHost("greet"))

	if _, err := service.Submit(ctx, SubmitRequest{}); xerrors.CodeOf(err) != CodeInvocationValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := service.Submit(ctx, SubmitRequest{Extension: "missing"}); !errors.Is(err, extension.ErrPluginNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if stats, _ := store.Stats(ctx, ListOptions{}); stats.Total != 0 {
		t.Fatalf("rejected submissions must not be stored")
	}

	first, err := service.Submit(ctx, SubmitRequest{ID: "fixed", Extension: "greet"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, SubmitRequest{ID: "fixed", Extension: "greet", Args: []string{"other"}})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != first.ID || len(second.Args) != 0 {
		t.Fatalf("resubmitting an id should return the stored invocation, got %+v", second)
	}

	uninitialised := NewService(nil, nil, nil)
	if _, err := uninitialised.Submit(ctx, SubmitRequest{Extension: "greet"}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestServiceSubmitPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, newFakeHost("greet"))

	_, err := service.Submit(ctx, SubmitRequest{ID: "p1", Extension: "greet"})
	if xerrors.CodeOf(err) != CodeInvocationPublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	inv, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inv.Status != StatusFailed || inv.ErrorCode != string(CodeInvocationPublish) {
		t.Fatalf("unexpected stored invocation: %+v", inv)
	}
}

func TestProcessorWithRealManager(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := extension.NewManager()
	defer manager.Close()

	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	processor := NewProcessor(manager, store, queue)
	go func() { _ = processor.Start(ctx) }()

	// the manager has nothing registered, so a stored invocation fails with not found
	if err := store.Create(ctx, &Invocation{ID: "orphan", Extension: "greet", Status: StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := queue.Publish(ctx, "orphan"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	service := NewService(store, queue, manager)
	result, err := service.WaitUntilCompleted(ctx, "orphan", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.ErrorCode != string(extension.CodeNotFound) {
		t.Fatalf("expected not found code, got %+v", result)
	}
}
