package mounterrors

import (
	"errors"
	"testing"
)

func TestErrorIsTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		want error
	}{
		{"queue failed", QueueFailed, ErrQueueFailed},
		{"serial failed", SerialFailed, ErrSerialFailed},
		{"mount error", MountError, ErrMountError},
		{"timeout", Timeout, ErrTimeout},
		{"cancelled", Cancelled, ErrCancelled},
		{"limit reached", LimitReached, ErrLimitReached},
		{"invalid state", InvalidState, ErrInvalidState},
		{"invalid argument", InvalidArgument, ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.kind, "boom")
			if !errors.Is(err, tt.want) {
				t.Errorf("errors.Is(%v, %v) = false, want true", err, tt.want)
			}
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(SerialFailed, "open failed", cause)

	if !errors.Is(err, ErrSerialFailed) {
		t.Errorf("expected wrapped error to match ErrSerialFailed")
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped error to unwrap to cause")
	}
}

func TestKindOf(t *testing.T) {
	err := New(Timeout, "waited too long")
	kind, ok := KindOf(err)
	if !ok {
		t.Fatal("expected KindOf to recognize *Error")
	}
	if kind != Timeout {
		t.Errorf("KindOf = %v, want %v", kind, Timeout)
	}

	if _, ok := KindOf(errors.New("plain")); ok {
		t.Errorf("KindOf should not recognize a plain error")
	}
}

func TestKindString(t *testing.T) {
	if QueueFailed.String() != "QueueFailed" {
		t.Errorf("String() = %q, want QueueFailed", QueueFailed.String())
	}
}
