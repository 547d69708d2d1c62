package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/infrastructure/resilience"
)

func TestReloadSignalRoundTrip(t *testing.T) {
	sent := ReloadSignal{Reason: "ingest:run-1", SentAt: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}
	payload, err := encodeReloadSignal(sent)
	if err != nil {
		t.Fatalf("encodeReloadSignal() error = %v", err)
	}
	got, err := decodeReloadSignal(payload)
	if err != nil {
		t.Fatalf("decodeReloadSignal() error = %v", err)
	}
	if got.Reason != sent.Reason || !got.SentAt.Equal(sent.SentAt) {
		t.Fatalf("unexpected signal %+v", got)
	}
}

func TestDecodeReloadSignalAcceptsPlainText(t *testing.T) {
	got, err := decodeReloadSignal([]byte(" manual \n"))
	if err != nil {
		t.Fatalf("decodeReloadSignal() error = %v", err)
	}
	if got.Reason != "manual" {
		t.Fatalf("expected plain reason, got %q", got.Reason)
	}

	if _, err := decodeReloadSignal([]byte("{broken")); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for broken json, got %v", err)
	}
}

func TestClassifyBusError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		record    bool
	}{
		{name: "canceled", err: context.Canceled, retryable: false, record: false},
		{name: "deadline", err: context.DeadlineExceeded, retryable: false, record: false},
		{name: "no servers", err: fmt.Errorf("nats publish: %w", nats.ErrNoServers), retryable: true, record: true},
		{name: "timeout", err: nats.ErrTimeout, retryable: true, record: true},
		{name: "reconnecting", err: nats.ErrConnectionReconnecting, retryable: true, record: true},
		{name: "bad subject", err: nats.ErrBadSubject, retryable: false, record: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyBusError(tc.err)
			if got.Retryable != tc.retryable || got.RecordFailure != tc.record {
				t.Fatalf("classifyBusError(%v) = %+v", tc.err, got)
			}
		})
	}
}

func TestPublishErrorMarksLinkFailuresTemporary(t *testing.T) {
	err := publishError("nats.publish_reload", fmt.Errorf("nats publish: %w", nats.ErrConnectionClosed))
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if !strings.Contains(err.Error(), "nats.publish_reload") {
		t.Fatalf("expected operation in error, got %q", err.Error())
	}
	if !errors.Is(err, nats.ErrConnectionClosed) {
		t.Fatalf("expected cause to be kept, got %v", err)
	}

	permanent := errors.New("permanent")
	if err := publishError("nats.publish_ingest", permanent); domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("permanent error must not be temporary")
	}
	if err := publishError("nats.publish_ingest", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestPublishThroughOpenBreakerIsTemporary(t *testing.T) {
	exec := resilience.NewExecutor(resilience.Config{
		BreakerEnabled:     true,
		BreakerMinRequests: 1,
		BreakerOpenTimeout: time.Hour,
	})
	fail := func(context.Context) error { return nats.ErrNoServers }
	_ = exec.Execute(context.Background(), "nats.publish_reload", fail, classifyBusError)

	err := exec.Execute(context.Background(), "nats.publish_reload", fail, classifyBusError)
	if !resilience.IsCircuitOpen(err) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if err := publishError("nats.publish_reload", err); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected open breaker to be temporary, got %v", err)
	}
}
