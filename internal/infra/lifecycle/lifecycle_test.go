package lifecycle_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"telegram-scheduler/internal/infra/lifecycle"
)

// journal копит события старта/остановки в порядке их наступления.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(event string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

func register(t *testing.T, m *lifecycle.Manager, j *journal, name string, deps []string) {
	t.Helper()
	err := m.Register(name, deps,
		func(context.Context) error {
			j.add("start:" + name)
			return nil
		},
		func(context.Context) error {
			j.add("stop:" + name)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func TestManagerStartsDepsFirstStopsInReverse(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	j := &journal{}
	register(t, m, j, "engine", []string{"stores", "pool"})
	register(t, m, j, "stores", nil)
	register(t, m, j, "pool", nil)

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := []string{
		"start:stores", "start:pool", "start:engine",
		"stop:engine", "stop:pool", "stop:stores",
	}
	got := j.list()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestManagerCancelsContextBeforeStop(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	var nodeCtx context.Context
	canceledAtStop := false

	err := m.Register("worker", nil,
		func(ctx context.Context) error {
			nodeCtx = ctx
			return nil
		},
		func(context.Context) error {
			canceledAtStop = nodeCtx.Err() != nil
			return nil
		},
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if nodeCtx.Err() != nil {
		t.Fatal("контекст узла отменён до остановки")
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !canceledAtStop {
		t.Fatal("к моменту StopFunc контекст узла должен быть отменён")
	}
}

func TestManagerDetectsDependencyCycle(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	j := &journal{}
	register(t, m, j, "a", []string{"b"})
	register(t, m, j, "b", []string{"a"})

	err := m.StartAll()
	if err == nil {
		t.Fatal("цикл зависимостей должен быть ошибкой")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("err = %v, want dependency cycle", err)
	}
}

func TestManagerDoesNotRetryFailedNode(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	startCalls := 0
	boom := errors.New("boom")

	err := m.Register("bad", nil,
		func(context.Context) error {
			startCalls++
			return boom
		},
		nil,
	)
	if err != nil {
		t.Fatalf("register bad: %v", err)
	}
	dependentStarted := false
	err = m.Register("worse", []string{"bad"},
		func(context.Context) error {
			dependentStarted = true
			return nil
		},
		nil,
	)
	if err != nil {
		t.Fatalf("register worse: %v", err)
	}

	startErr := m.StartAll()
	if !errors.Is(startErr, boom) {
		t.Fatalf("StartAll = %v, want %v", startErr, boom)
	}
	if startCalls != 1 {
		t.Fatalf("start вызван %d раз, упавший узел не должен перезапускаться", startCalls)
	}
	if dependentStarted {
		t.Fatal("узел с упавшей зависимостью не должен стартовать")
	}
}

func TestManagerShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	stops := 0
	err := m.Register("once", nil, nil,
		func(context.Context) error {
			stops++
			return nil
		},
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if stops != 1 {
		t.Fatalf("stop вызван %d раз, want 1", stops)
	}
}

func TestManagerRegisterValidation(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(nil)
	if err := m.Register("", nil, nil, nil); err == nil {
		t.Fatal("пустое имя должно отклоняться")
	}
	if err := m.Register("self", []string{"self"}, nil, nil); err == nil {
		t.Fatal("зависимость от самого себя должна отклоняться")
	}
	if err := m.Register("dup", nil, nil, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := m.Register("dup", nil, nil, nil); err == nil {
		t.Fatal("повторное имя должно отклоняться")
	}
}
