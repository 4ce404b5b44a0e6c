package relayerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"auth", Authentication("bad signature"), http.StatusUnauthorized},
		{"validation", Validation("no id", nil), http.StatusBadRequest},
		{"delivery", Delivery(errors.New("boom"), "ticket failed", nil), http.StatusBadGateway},
		{"rate", RateLimited("slow down"), http.StatusTooManyRequests},
		{"too large", PayloadTooLarge(1024), http.StatusRequestEntityTooLarge},
		{"not configured", NotConfigured([]string{"tracker.api_key"}), http.StatusServiceUnavailable},
		{"wrapped", fmt.Errorf("outer: %w", Authentication("x")), http.StatusUnauthorized},
		{"plain", errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("%s: HTTPStatus = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestDeliveryCarriesMetadata(t *testing.T) {
	err := Delivery(errors.New("status 500"), "ticket creation failed", map[string]any{"attempts": 3})

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryExternal {
		t.Fatalf("expected external category, got %q", rich.Category)
	}
	if rich.TextCode != TextDelivery {
		t.Fatalf("expected %q text code, got %q", TextDelivery, rich.TextCode)
	}
	if rich.Metadata["attempts"] != 3 {
		t.Fatalf("expected attempts metadata, got %v", rich.Metadata)
	}
	if !Is(err, goerrors.CategoryExternal) {
		t.Fatal("Is(external) = false")
	}
}

func TestMessage(t *testing.T) {
	if got := Message(Validation("missing finding id", nil)); got != "missing finding id" {
		t.Fatalf("Message = %q", got)
	}
	if got := Message(errors.New("plain")); got != "plain" {
		t.Fatalf("Message = %q", got)
	}
}
