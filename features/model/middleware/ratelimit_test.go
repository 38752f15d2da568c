package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"pipelit.dev/pipelit/runtime/model"
	"pipelit.dev/pipelit/runtime/node"
)

type fakeClient struct {
	completeErr   error
	resp          model.Response
	completeCalls int
}

func (f *fakeClient) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	f.completeCalls++
	return f.resp, f.completeErr
}

func userRequest(text string) model.Request {
	return model.Request{
		Messages:  []node.Message{{Role: "user", Content: text}},
		MaxTokens: 10,
	}
}

func (t *Throttle) currentTPM() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tpm
}

func TestThrottleHalvesBudgetWhenProviderThrottles(t *testing.T) {
	th := NewThrottle(context.Background(), ThrottleOptions{InitialTPM: 60000})
	before := th.currentTPM()

	client := &fakeClient{
		completeErr: &model.ProviderError{
			Provider: "openai",
			Status:   http.StatusTooManyRequests,
			Kind:     model.ProviderErrorKindRateLimited,
		},
	}
	wrapped := th.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), userRequest("hello"))
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if got := th.currentTPM(); got != before/2 {
		t.Fatalf("expected budget halved to %f, got %f", before/2, got)
	}
}

func TestThrottleIgnoresNonThrottleErrors(t *testing.T) {
	th := NewThrottle(context.Background(), ThrottleOptions{InitialTPM: 60000})
	before := th.currentTPM()

	client := &fakeClient{completeErr: errors.New("boom")}
	if _, err := th.Middleware()(client).Complete(context.Background(), userRequest("hello")); err == nil {
		t.Fatal("expected error")
	}
	if got := th.currentTPM(); got != before {
		t.Fatalf("expected budget unchanged at %f, got %f", before, got)
	}
}

func TestThrottleProbesUpwardOnSuccess(t *testing.T) {
	th := NewThrottle(context.Background(), ThrottleOptions{InitialTPM: 60000, MaxTPM: 120000})
	before := th.currentTPM()

	if _, err := th.Middleware()(&fakeClient{}).Complete(context.Background(), userRequest("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := th.currentTPM(); got != before+th.step {
		t.Fatalf("expected budget to grow by %f from %f, got %f", th.step, before, got)
	}
}

func TestThrottleProbeStopsAtCeiling(t *testing.T) {
	th := NewThrottle(context.Background(), ThrottleOptions{InitialTPM: 60000, MaxTPM: 60000})

	client := &fakeClient{}
	wrapped := th.Middleware()(client)
	for i := 0; i < 3; i++ {
		if _, err := wrapped.Complete(context.Background(), userRequest("hi")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := th.currentTPM(); got != 60000 {
		t.Fatalf("expected budget pinned at ceiling 60000, got %f", got)
	}
}

func TestThrottleBlocksOversizedRequests(t *testing.T) {
	th := NewThrottle(context.Background(), ThrottleOptions{InitialTPM: 60})
	// An empty bucket fails any non-zero reservation immediately, exercising
	// the error path without relying on timing.
	th.bucket = rate.NewLimiter(0, 0)

	client := &fakeClient{}
	_, err := th.Middleware()(client).Complete(context.Background(), userRequest(strings.Repeat("a", 600)))
	if err == nil {
		t.Fatal("expected limiter error")
	}
	if client.completeCalls != 0 {
		t.Fatalf("provider must not be reached, got %d calls", client.completeCalls)
	}
}

func TestPromptTokens(t *testing.T) {
	small := promptTokens(userRequest("short"))
	big := promptTokens(userRequest("this is a much longer message"))

	if small <= 0 || big <= small {
		t.Fatalf("expected growing positive estimates, small=%d big=%d", small, big)
	}
	if got := promptTokens(model.Request{}); got != 256 {
		t.Fatalf("expected framing-only estimate 256 for empty request, got %d", got)
	}
}
