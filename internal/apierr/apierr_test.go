package apierr

import (
	"errors"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"invalid subscription", InvalidSubscription("bad"), http.StatusBadRequest},
		{"auth missing", AuthMissing("bad"), http.StatusUnauthorized},
		{"auth mismatch", AuthMismatch("bad"), http.StatusForbidden},
		{"not found", NotFound("bad"), http.StatusNotFound},
		{"payload too large", PayloadTooLarge("bad"), http.StatusRequestEntityTooLarge},
		{"rate limited", RateLimited("bad"), http.StatusTooManyRequests},
		{"read timeout", ReadTimeout("bad"), http.StatusRequestTimeout},
		{"queue full", QueueFull("bad"), http.StatusServiceUnavailable},
		{"unrecognized error", errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := QueueFull("disk queue is full")
	if !Is(err, KindQueueFull) {
		t.Error("expected Is to match KindQueueFull")
	}
	if Is(err, KindRateLimited) {
		t.Error("expected Is not to match KindRateLimited")
	}
	if Is(errors.New("plain"), KindQueueFull) {
		t.Error("expected Is to return false for a non-apierr error")
	}
}

func TestErrorMessage(t *testing.T) {
	err := InvalidSubscription("p256dh must decode to 65 bytes")
	if err.Error() != "p256dh must decode to 65 bytes" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
