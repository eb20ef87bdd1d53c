package common

import (
	"errors"
	"testing"
)

func TestErrorIsIgnoresVenue(t *testing.T) {
	err := &Error{Kind: KindThrottled, Venue: VariantUpbit, Message: "429"}
	if !errors.Is(err, ErrThrottled) {
		t.Error("expected errors.Is to match by Kind regardless of Venue")
	}
	if errors.Is(err, ErrRejected) {
		t.Error("errors.Is should not match a different Kind")
	}
}

func TestKindOf(t *testing.T) {
	wrapped := errors.New("boom")
	err := &Error{Kind: KindAuthError, Venue: VariantBinanceSpot, Message: "bad key", Cause: wrapped}
	if KindOf(err) != KindAuthError {
		t.Errorf("KindOf = %v, want KindAuthError", KindOf(err))
	}
	if KindOf(wrapped) != KindUnknown {
		t.Errorf("KindOf of a plain error should be KindUnknown, got %v", KindOf(wrapped))
	}
	if !errors.Is(err, err) {
		t.Error("error should be errors.Is to itself")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &Error{Kind: KindTransientNetwork, Venue: VariantBybitSpot, Message: "dial failed", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should traverse Unwrap to the underlying cause")
	}
}
