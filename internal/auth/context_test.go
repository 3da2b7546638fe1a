// ABOUTME: Tests for client context propagation
// ABOUTME: Covers WithClient, FromContext and the anonymous fallback

package auth

import (
	"context"
	"testing"
)

func TestFromContext_Empty(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
	if got := ClientName(context.Background()); got != "anonymous" {
		t.Errorf("ClientName() = %q, want anonymous", got)
	}
}

func TestWithClient_RoundTrip(t *testing.T) {
	ctx := WithClient(context.Background(), &ClientContext{Name: "wallet-app"})

	got := FromContext(ctx)
	if got == nil || got.Name != "wallet-app" {
		t.Fatalf("FromContext() = %+v, want wallet-app", got)
	}
	if ClientName(ctx) != "wallet-app" {
		t.Errorf("ClientName() = %q, want wallet-app", ClientName(ctx))
	}
}

func TestFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), clientContextKey{}, "not-a-client")
	if got := FromContext(ctx); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
}
