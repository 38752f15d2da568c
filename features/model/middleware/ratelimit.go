// Package middleware provides composable model.Client wrappers: adaptive
// rate limiting, circuit breaking, and usage metrics. Wrappers nest in the
// order given to Chain, so a typical stack is breaker outside, limiter
// inside.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"pipelit.dev/pipelit/runtime/model"
)

type (
	// Throttle paces model calls against a tokens-per-minute budget that
	// adapts to provider feedback: the budget halves whenever the provider
	// throttles and creeps back up by a fixed step on each success (AIMD).
	// Callers block until the bucket has capacity for their estimated
	// request size.
	//
	// A Throttle with a budget map coordinates the budget across engine
	// processes; without one it is process-local. Construct one per
	// provider and apply Middleware to its clients.
	Throttle struct {
		bucket *rate.Limiter

		mu    sync.Mutex
		tpm   float64
		floor float64
		ceil  float64
		step  float64

		shared *sharedBudget
	}

	// ThrottleOptions tunes NewThrottle.
	ThrottleOptions struct {
		// InitialTPM is the starting tokens-per-minute budget. Default 60000.
		InitialTPM float64

		// MaxTPM caps probe growth. Values below InitialTPM clamp to it.
		MaxTPM float64

		// Budgets and BudgetKey, when both set, share the effective budget
		// across processes through a Pulse replicated map: throttles and
		// probes are written back, and writes by peers are adopted locally.
		Budgets   *rmap.Map
		BudgetKey string
	}

	throttledClient struct {
		next model.Client
		th   *Throttle
	}

	// budgetMap is the slice of rmap.Map the shared budget needs; a seam so
	// tests run without Redis.
	budgetMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	// sharedBudget pushes local budget changes into the replicated map with
	// a bounded compare-and-set loop.
	sharedBudget struct {
		m     budgetMap
		key   string
		floor float64
		ceil  float64
		step  float64
	}
)

// NewThrottle builds a Throttle from opts. When opts carries a budget map the
// shared value wins over InitialTPM, so a process joining after a peer backed
// off starts at the reduced budget.
func NewThrottle(ctx context.Context, opts ThrottleOptions) *Throttle {
	var m budgetMap
	if opts.Budgets != nil {
		m = opts.Budgets
	}
	return newThrottle(ctx, m, opts)
}

func newThrottle(ctx context.Context, m budgetMap, opts ThrottleOptions) *Throttle {
	tpm := opts.InitialTPM
	if tpm <= 0 {
		tpm = 60000
	}
	ceil := opts.MaxTPM
	if ceil < tpm {
		ceil = tpm
	}
	t := &Throttle{
		tpm:   tpm,
		floor: max(tpm/10, 1),
		ceil:  ceil,
		step:  max(tpm/20, 1),
	}

	if m != nil && opts.BudgetKey != "" {
		if v, ok := joinSharedBudget(ctx, m, opts.BudgetKey, tpm); ok {
			t.tpm = clamp(v, t.floor, t.ceil)
			t.shared = &sharedBudget{m: m, key: opts.BudgetKey, floor: t.floor, ceil: t.ceil, step: t.step}
		}
	}

	t.bucket = rate.NewLimiter(rate.Limit(t.tpm/60.0), int(t.tpm))
	if t.shared != nil {
		go t.followShared()
	}
	return t
}

// joinSharedBudget seeds the map entry when absent and returns the budget the
// cluster currently agrees on. A failed seed reports not-ok so the caller
// degrades to a process-local throttle.
func joinSharedBudget(ctx context.Context, m budgetMap, key string, tpm float64) (float64, bool) {
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(tpm))); err != nil {
			return 0, false
		}
	}
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			return v, true
		}
	}
	return tpm, true
}

// Middleware returns a model.Client wrapper enforcing the throttle.
func (t *Throttle) Middleware() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &throttledClient{next: next, th: t}
	}
}

// Complete blocks until the bucket covers the request estimate, then
// delegates and feeds the outcome back into the budget.
func (c *throttledClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if err := c.th.bucket.WaitN(ctx, promptTokens(req)); err != nil {
		return model.Response{}, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.th.settle(err)
	return resp, err
}

// settle adjusts the budget after one provider round trip. Only throttling
// shrinks it; other failures are the breaker's concern.
func (t *Throttle) settle(err error) {
	switch {
	case err == nil:
		if t.scale(func(cur float64) float64 { return cur + t.step }) && t.shared != nil {
			go t.shared.raise()
		}
	case errors.Is(err, model.ErrRateLimited):
		if t.scale(func(cur float64) float64 { return cur / 2 }) && t.shared != nil {
			go t.shared.lower()
		}
	}
}

// scale recomputes the budget from the current value, clamps it to
// [floor, ceil] and retunes the bucket. It reports whether anything changed.
func (t *Throttle) scale(f func(cur float64) float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := clamp(f(t.tpm), t.floor, t.ceil)
	if next == t.tpm {
		return false
	}
	t.tpm = next
	t.bucket.SetLimit(rate.Limit(next / 60.0))
	t.bucket.SetBurst(int(next))
	return true
}

// followShared adopts budget values written by peer processes.
func (t *Throttle) followShared() {
	for range t.shared.m.Subscribe() {
		cur, ok := t.shared.m.Get(t.shared.key)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(cur, 64)
		if err != nil || v <= 0 {
			continue
		}
		t.scale(func(float64) float64 { return v })
	}
}

func (b *sharedBudget) lower() {
	b.publish(func(cur float64) float64 { return max(cur/2, b.floor) })
}

func (b *sharedBudget) raise() {
	b.publish(func(cur float64) float64 { return min(cur+b.step, b.ceil) })
}

// publish moves the shared value with a short compare-and-set loop. Losing
// every attempt is fine: some peer moved the value in the same direction, or
// the next settle tries again.
func (b *sharedBudget) publish(f func(cur float64) float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for attempt := 0; attempt < 3; attempt++ {
		curStr, ok := b.m.Get(b.key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := f(cur)
		if next == cur {
			return
		}
		prev, err := b.m.TestAndSet(ctx, b.key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}

// promptTokens estimates the token cost of a request: about one token per
// four characters of transcript plus framing overhead. Empty requests still
// pay the overhead so they cannot bypass the throttle.
func promptTokens(req model.Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	return chars/4 + 256
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
