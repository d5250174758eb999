package kit

import (
	"context"
	"errors"
	"testing"
)

func TestChain_Order(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}

	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"))(base)(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}

	expected := []string{"a_before", "b_before", "endpoint", "b_after", "a_after"}
	if len(order) != len(expected) {
		t.Fatalf("order length: got %d, want %d", len(order), len(expected))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Fatalf("order[%d]: got %q, want %q", i, order[i], v)
		}
	}
}

func TestChain_ErrorPropagation(t *testing.T) {
	errFail := errors.New("fail")
	base := func(_ context.Context, _ any) (any, error) {
		return nil, errFail
	}
	noop := func(next Endpoint) Endpoint { return next }

	_, err := Chain(noop)(base)(context.Background(), nil)
	if !errors.Is(err, errFail) {
		t.Fatalf("error: got %v, want %v", err, errFail)
	}
}

func TestContext_Values(t *testing.T) {
	ctx := context.Background()
	if GetUserID(ctx) != "" || GetSessionID(ctx) != "" || GetHandle(ctx) != "" {
		t.Fatal("empty context should yield empty values")
	}
	if GetTransport(ctx) != "http" {
		t.Fatalf("default transport: got %q", GetTransport(ctx))
	}

	ctx = WithUserID(ctx, "usr_1")
	ctx = WithSessionID(ctx, "ses_1")
	ctx = WithHandle(ctx, "alice")
	ctx = WithTransport(ctx, "mcp")
	if GetUserID(ctx) != "usr_1" {
		t.Errorf("user: got %q", GetUserID(ctx))
	}
	if GetSessionID(ctx) != "ses_1" {
		t.Errorf("session: got %q", GetSessionID(ctx))
	}
	if GetHandle(ctx) != "alice" {
		t.Errorf("handle: got %q", GetHandle(ctx))
	}
	if GetTransport(ctx) != "mcp" {
		t.Errorf("transport: got %q", GetTransport(ctx))
	}
}
