package resilience

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
)

func TestIsTransient_Nil(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_ExplicitWrapper(t *testing.T) {
	err := NewTransientError(errors.New("rate limited"), 429)
	if !IsTransient(err) {
		t.Error("TransientError should be transient")
	}

	wrapped := fmt.Errorf("adjudicate: %w", err)
	if !IsTransient(wrapped) {
		t.Error("wrapped TransientError should stay transient")
	}
}

func TestIsTransient_ErisChain(t *testing.T) {
	err := eris.Wrap(NewTransientError(errors.New("overloaded"), 529), "adjudicate: backend call")
	if !IsTransient(err) {
		t.Error("eris-wrapped TransientError should stay transient")
	}
}

func TestIsTransient_SQLiteBusy(t *testing.T) {
	if !IsTransient(errors.New("sqlite: append member: database is locked (5) (SQLITE_BUSY)")) {
		t.Error("sqlite busy error should be transient")
	}
}

func TestIsTransient_NetworkPatterns(t *testing.T) {
	transient := []string{
		"read tcp 10.0.0.1:443: connection reset by peer",
		"dial tcp: lookup api.anthropic.com: no such host",
		"net/http: TLS handshake timeout",
		"read: i/o timeout",
	}
	for _, msg := range transient {
		if !IsTransient(errors.New(msg)) {
			t.Errorf("expected transient: %q", msg)
		}
	}
}

func TestIsTransient_PermanentErrors(t *testing.T) {
	permanent := []string{
		"UNIQUE constraint failed: group_members.article_id",
		"invalid api key",
		"signature: missing article id",
	}
	for _, msg := range permanent {
		if IsTransient(errors.New(msg)) {
			t.Errorf("expected permanent: %q", msg)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := NewTransientError(inner, 500)
	if !errors.Is(err, inner) {
		t.Error("expected Unwrap to expose the inner error")
	}
	if err.StatusCode != 500 {
		t.Errorf("expected status 500, got %d", err.StatusCode)
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d transient", code)
		}
	}
	for _, code := range []int{200, 201, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d not transient", code)
		}
	}
}
