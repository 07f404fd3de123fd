package transport

import (
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoffRetryPolicy_ShouldRetry(t *testing.T) {
	policy := &ExponentialBackoffRetryPolicy{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  3,
	}

	err := errors.New("transient")

	if !policy.ShouldRetry(0, err) {
		t.Error("Expected retry on first attempt")
	}
	if !policy.ShouldRetry(2, err) {
		t.Error("Expected retry below max attempts")
	}
	if policy.ShouldRetry(3, err) {
		t.Error("Expected no retry at max attempts")
	}
	if policy.ShouldRetry(0, nil) {
		t.Error("Expected no retry without error")
	}
}

func TestExponentialBackoffRetryPolicy_GetDelay(t *testing.T) {
	policy := &ExponentialBackoffRetryPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
	}

	if got := policy.GetDelay(0); got != 100*time.Millisecond {
		t.Errorf("Expected 100ms for attempt 0, got %v", got)
	}
	if got := policy.GetDelay(1); got != 200*time.Millisecond {
		t.Errorf("Expected 200ms for attempt 1, got %v", got)
	}
	if got := policy.GetDelay(2); got != 400*time.Millisecond {
		t.Errorf("Expected 400ms for attempt 2, got %v", got)
	}
	// Задержка ограничена MaxDelay
	if got := policy.GetDelay(9); got != time.Second {
		t.Errorf("Expected cap at 1s, got %v", got)
	}
}

func TestApplySubscribeOptions(t *testing.T) {
	opts := ApplySubscribeOptions(WithQueue("workers"), WithRetryPolicy(DefaultRetryPolicy()))

	if opts.Queue != "workers" {
		t.Errorf("Expected queue workers, got %s", opts.Queue)
	}
	if opts.Retry == nil {
		t.Error("Expected retry policy to be set")
	}
}

func TestMessage_Header(t *testing.T) {
	msg := &Message{Subject: "sagas.events"}
	if got := msg.Header("correlation_id"); got != "" {
		t.Errorf("Expected empty header on nil map, got %s", got)
	}

	msg.Headers = map[string]string{"correlation_id": "abc"}
	if got := msg.Header("correlation_id"); got != "abc" {
		t.Errorf("Expected abc, got %s", got)
	}
}
