package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryValueCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := RetryValue(ctx, 3, time.Millisecond, func() (int, error) {
		calls++
		return 1, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RetryValue error = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("fn called %d times on cancelled context, want 0", calls)
	}
}

func TestRetryValueReturnsValue(t *testing.T) {
	calls := 0
	v, err := RetryValue(context.Background(), 3, 0, func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("RetryValue returned error: %v", err)
	}
	if v != "ok" {
		t.Errorf("RetryValue = %q, want %q", v, "ok")
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	// The first token is available immediately.
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiter(1)
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Wait error = %v, want DeadlineExceeded", err)
	}
}

func TestDayAndWeekKeys(t *testing.T) {
	ny, err := LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}

	// 2024-01-08 02:00 UTC is still Sunday 2024-01-07 in New York.
	ts := time.Date(2024, 1, 8, 2, 0, 0, 0, time.UTC)
	if got := DayKey(ts, ny); got != "2024-01-07" {
		t.Errorf("DayKey = %q, want %q", got, "2024-01-07")
	}
	if got := DayKey(ts, time.UTC); got != "2024-01-08" {
		t.Errorf("DayKey(UTC) = %q, want %q", got, "2024-01-08")
	}
	if got := WeekKey(ts, ny); got != "2024-W01" {
		t.Errorf("WeekKey = %q, want %q", got, "2024-W01")
	}
	if got := WeekKey(ts, time.UTC); got != "2024-W02" {
		t.Errorf("WeekKey(UTC) = %q, want %q", got, "2024-W02")
	}

	start := StartOfDay(ts, time.UTC)
	if !start.Equal(time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("StartOfDay = %v", start)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "debug", "json").Debug("hello", "k", 1)
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("json logger output = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "warn", "text").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info line written at warn level: %q", buf.String())
	}

	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("ParseLevel should default to info")
	}
}
