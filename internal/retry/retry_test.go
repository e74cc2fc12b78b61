package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/arangobackup/dumpclient/internal/wireapi"
)

func TestDoSucceedsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(attempt int) (Attempt, error) {
		calls++
		return Attempt{Kind: wireapi.KindOK, Logical: StatusOK}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesRetryableThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(attempt int) (Attempt, error) {
		calls++
		if attempt < 2 {
			return Attempt{Kind: wireapi.KindReadError}, errors.New("read error")
		}
		return Attempt{Kind: wireapi.KindOK, Logical: StatusOK}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoFailsFastOnFatalKind(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(attempt int) (Attempt, error) {
		calls++
		return Attempt{Kind: wireapi.KindOK, Logical: StatusOther}, errors.New("invalid response")
	})
	if err == nil {
		t.Fatal("expected fatal error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call for a fatal error, got %d", calls)
	}
}

func TestDoNeverExceedsMaxRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(attempt int) (Attempt, error) {
		calls++
		return Attempt{Kind: wireapi.KindReadError}, errors.New("persistent failure")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != MaxRetries {
		t.Errorf("expected exactly %d calls, got %d", MaxRetries, calls)
	}
}
