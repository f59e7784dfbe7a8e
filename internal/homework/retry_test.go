package homework

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/esltutor/internal/apperr"
)

func recordingPolicy(maxRetries int, backoffs *[]time.Duration) RetryPolicy {
	p := RetryPolicy{MaxRetries: maxRetries, InitialBackoff: 100 * time.Millisecond}
	p.sleep = func(_ context.Context, d time.Duration) error {
		*backoffs = append(*backoffs, d)
		return nil
	}
	return p
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	var backoffs []time.Duration
	attempts := 0
	v, err := WithRetry(context.Background(), recordingPolicy(3, &backoffs), func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", apperr.New(apperr.KindRateLimited, "", errors.New("429"))
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("WithRetry = %q, %v", v, err)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(backoffs) != 2 || backoffs[0] != want[0] || backoffs[1] != want[1] {
		t.Errorf("backoffs = %v, want %v", backoffs, want)
	}
}

func TestWithRetry_Ceiling(t *testing.T) {
	var backoffs []time.Duration
	attempts := 0
	_, err := WithRetry(context.Background(), recordingPolicy(2, &backoffs), func(context.Context) (int, error) {
		attempts++
		return 0, apperr.New(apperr.KindTransportTimeout, "", errors.New("timeout"))
	})
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if !errors.Is(err, apperr.ErrTransportTimeout) {
		t.Errorf("err = %v, want transport timeout surfaced", err)
	}
	if len(backoffs) != 2 {
		t.Errorf("sleeps = %d, want 2", len(backoffs))
	}
}

func TestWithRetry_NonTransientFailsFast(t *testing.T) {
	var backoffs []time.Duration
	attempts := 0
	_, err := WithRetry(context.Background(), recordingPolicy(3, &backoffs), func(context.Context) (int, error) {
		attempts++
		return 0, apperr.New(apperr.KindGenerationParse, "student_profile_1", errors.New("bad"))
	})
	if attempts != 1 || len(backoffs) != 0 {
		t.Errorf("attempts = %d, sleeps = %d; want 1, 0", attempts, len(backoffs))
	}
	if !errors.Is(err, apperr.ErrGenerationParse) {
		t.Errorf("err = %v", err)
	}
}

func TestWithRetry_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	p := RetryPolicy{MaxRetries: 5, InitialBackoff: time.Hour}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := WithRetry(ctx, p, func(context.Context) (int, error) {
		attempts++
		return 0, apperr.New(apperr.KindRateLimited, "", errors.New("429"))
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if !errors.Is(err, apperr.ErrRateLimited) {
		t.Errorf("err = %v", err)
	}
}
