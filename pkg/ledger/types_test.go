package ledger

import (
	"errors"
	"testing"
)

func TestNewMutationValidation(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name      string
		accountID int64
		delta     int64
		reason    string
		expected  error
	}{
		{name: "zero account", accountID: 0, delta: 10, reason: "tap_reward", expected: ErrInvalidAccountID},
		{name: "negative account", accountID: -4, delta: 10, reason: "tap_reward", expected: ErrInvalidAccountID},
		{name: "zero delta", accountID: 1, delta: 0, reason: "tap_reward", expected: ErrInvalidDelta},
		{name: "blank reason", accountID: 1, delta: 10, reason: "  ", expected: ErrInvalidReason},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := NewMutation(testCase.accountID, testCase.delta, testCase.reason, NoReference(), "")
			if !errors.Is(err, testCase.expected) {
				test.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestNewMutationNormalizes(test *testing.T) {
	test.Parallel()
	mutation, err := NewMutation(9, -25, " withdraw_reserve ", NoReference(), " withdraw ")
	if err != nil {
		test.Fatalf("mutation: %v", err)
	}
	if mutation.Reason.String() != "withdraw_reserve" {
		test.Fatalf("expected trimmed reason, got %q", mutation.Reason.String())
	}
	if mutation.EventType != "withdraw" {
		test.Fatalf("expected trimmed event type, got %q", mutation.EventType)
	}
	if mutation.Delta.Int64() != -25 {
		test.Fatalf("expected delta -25, got %d", mutation.Delta.Int64())
	}
}

func TestReferenceValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewReference(RefNone, 1); !errors.Is(err, ErrInvalidReference) {
		test.Fatalf("expected ErrInvalidReference for missing kind, got %v", err)
	}
	if _, err := NewReference(RefKind("leaderboard"), 1); !errors.Is(err, ErrInvalidRefKind) {
		test.Fatalf("expected ErrInvalidRefKind for unknown kind, got %v", err)
	}
	if _, err := NewReference(RefMission, 0); !errors.Is(err, ErrInvalidReference) {
		test.Fatalf("expected ErrInvalidReference for zero id, got %v", err)
	}
	reference, err := NewReference(RefPurchase, 31)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	if reference.IsZero() || reference.Kind() != RefPurchase || reference.ID() != 31 {
		test.Fatalf("unexpected reference: %+v", reference)
	}
	if !NoReference().IsZero() {
		test.Fatalf("NoReference must be zero")
	}
}

func TestParseRefKindCoversKnownKinds(test *testing.T) {
	test.Parallel()
	known := []RefKind{RefMission, RefWithdrawRequest, RefPurchase, RefReferral, RefAdImpression}
	for _, kind := range known {
		parsed, err := ParseRefKind(kind.String())
		if err != nil {
			test.Fatalf("parse %q: %v", kind, err)
		}
		if parsed != kind {
			test.Fatalf("expected %q, got %q", kind, parsed)
		}
	}
	if _, err := ParseRefKind("energy"); !errors.Is(err, ErrInvalidRefKind) {
		test.Fatalf("expected ErrInvalidRefKind, got %v", err)
	}
}

func TestParseKeyStatus(test *testing.T) {
	test.Parallel()
	for _, status := range []KeyStatus{KeyStatusPending, KeyStatusCompleted, KeyStatusFailed} {
		parsed, err := ParseKeyStatus(status.String())
		if err != nil {
			test.Fatalf("parse %q: %v", status, err)
		}
		if parsed != status {
			test.Fatalf("expected %q, got %q", status, parsed)
		}
	}
	if _, err := ParseKeyStatus("done"); !errors.Is(err, ErrInvalidKeyStatus) {
		test.Fatalf("expected ErrInvalidKeyStatus, got %v", err)
	}
}
