package middleware

import (
	"context"
	"strconv"
	"testing"
	"time"

	"goa.design/pulse/rmap"

	"pipelit.dev/pipelit/runtime/model"
)

// fakeBudgetMap implements budgetMap without Redis. All methods run on the
// test goroutine; the throttle's background publishers are waited on.
type fakeBudgetMap struct {
	values map[string]string
	ch     chan rmap.EventKind
}

func newFakeBudgetMap(seed map[string]string) *fakeBudgetMap {
	m := &fakeBudgetMap{values: map[string]string{}, ch: make(chan rmap.EventKind, 1)}
	for k, v := range seed {
		m.values[k] = v
	}
	return m
}

func (m *fakeBudgetMap) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeBudgetMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	m.notify()
	return true, nil
}

func (m *fakeBudgetMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	cur, ok := m.values[key]
	if !ok || cur != test {
		return cur, nil
	}
	m.values[key] = value
	m.notify()
	return cur, nil
}

func (m *fakeBudgetMap) Subscribe() <-chan rmap.EventKind { return m.ch }

func (m *fakeBudgetMap) notify() {
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
}

func (m *fakeBudgetMap) intValue(t *testing.T, key string) int {
	t.Helper()
	v, ok := m.values[key]
	if !ok {
		t.Fatalf("expected %q in budget map", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		t.Fatalf("budget map holds %q: %v", v, err)
	}
	return n
}

func TestSharedThrottlePublishesBackoff(t *testing.T) {
	m := newFakeBudgetMap(map[string]string{"model": "80000"})
	th := newThrottle(context.Background(), m, ThrottleOptions{
		InitialTPM: 80000, MaxTPM: 80000, BudgetKey: "model",
	})

	client := &fakeClient{completeErr: model.ErrRateLimited}
	_, _ = th.Middleware()(client).Complete(context.Background(), userRequest("hello"))

	deadline := time.Now().Add(time.Second)
	for m.intValue(t, "model") >= 80000 {
		if time.Now().After(deadline) {
			t.Fatalf("shared budget never decreased, still %d", m.intValue(t, "model"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSharedThrottleAdoptsClusterBudget(t *testing.T) {
	// A peer already halved the budget before this process joined.
	m := newFakeBudgetMap(map[string]string{"model": "40000"})
	th := newThrottle(context.Background(), m, ThrottleOptions{
		InitialTPM: 80000, MaxTPM: 80000, BudgetKey: "model",
	})

	if got := th.currentTPM(); got != 40000 {
		t.Fatalf("expected throttle to join at shared budget 40000, got %f", got)
	}
}

func TestSharedThrottleFollowsPeerWrites(t *testing.T) {
	m := newFakeBudgetMap(map[string]string{"model": "80000"})
	th := newThrottle(context.Background(), m, ThrottleOptions{
		InitialTPM: 80000, MaxTPM: 80000, BudgetKey: "model",
	})

	m.values["model"] = "20000"
	m.notify()

	deadline := time.Now().Add(time.Second)
	for th.currentTPM() != 20000 {
		if time.Now().After(deadline) {
			t.Fatalf("throttle never adopted peer budget, at %f", th.currentTPM())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestThrottleWithoutKeyStaysLocal(t *testing.T) {
	th := newThrottle(context.Background(), newFakeBudgetMap(nil), ThrottleOptions{
		InitialTPM: 80000, MaxTPM: 80000,
	})

	if th.shared != nil {
		t.Fatal("expected process-local throttle without a budget key")
	}
	if got := th.currentTPM(); got != 80000 {
		t.Fatalf("expected local budget 80000, got %f", got)
	}
}
