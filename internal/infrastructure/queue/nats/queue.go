package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/infrastructure/resilience"
)

const ingestQueueGroup = "fiscal-ingest-workers"

// ReloadSignal tells serving processes to rebuild their snapshots.
type ReloadSignal struct {
	Reason string    `json:"reason"`
	SentAt time.Time `json:"sent_at"`
}

// IngestRequest asks a worker to ingest a corpus directory.
type IngestRequest struct {
	RequestID string    `json:"request_id"`
	Root      string    `json:"root"`
	SentAt    time.Time `json:"sent_at"`
}

// Bus carries reload signals (fan-out to every subscriber) and ingest
// requests (load-balanced across a worker queue group).
type Bus struct {
	conn          *nats.Conn
	reloadSubject string
	ingestSubject string
	executor      *resilience.Executor
}

type Options struct {
	ReloadSubject        string
	IngestSubject        string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url string, options Options) (*Bus, error) {
	if strings.TrimSpace(options.ReloadSubject) == "" {
		options.ReloadSubject = "fiscal.knowledge.reload"
	}
	if strings.TrimSpace(options.IngestSubject) == "" {
		options.IngestSubject = "fiscal.corpus.ingest"
	}
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("fiscal-knowledge-engine"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", fmt.Sprint(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "connect nats", err)
	}
	return &Bus{
		conn:          conn,
		reloadSubject: options.ReloadSubject,
		ingestSubject: options.IngestSubject,
		executor:      options.ResilienceExecutor,
	}, nil
}

func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *Bus) PublishReload(ctx context.Context, reason string) error {
	payload, err := encodeReloadSignal(ReloadSignal{Reason: reason, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return b.publish(ctx, "nats.publish_reload", b.reloadSubject, payload)
}

func (b *Bus) PublishIngestRequest(ctx context.Context, req IngestRequest) error {
	if req.SentAt.IsZero() {
		req.SentAt = time.Now().UTC()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode ingest request: %w", err)
	}
	return b.publish(ctx, "nats.publish_ingest", b.ingestSubject, payload)
}

// RequestIngest publishes an ingest request for root and returns its id.
func (b *Bus) RequestIngest(ctx context.Context, root string) (string, error) {
	req := IngestRequest{RequestID: uuid.NewString(), Root: root}
	if err := b.PublishIngestRequest(ctx, req); err != nil {
		return "", err
	}
	return req.RequestID, nil
}

func (b *Bus) publish(ctx context.Context, operation, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := b.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if b.executor != nil {
		err = b.executor.Execute(ctx, operation, call, classifyBusError)
	} else {
		err = call(ctx)
	}
	return publishError(operation, err)
}

// SubscribeReload delivers every reload signal to handler until ctx ends.
func (b *Bus) SubscribeReload(ctx context.Context, handler func(context.Context, ReloadSignal) error) error {
	return b.subscribe(ctx, b.reloadSubject, "", func(hctx context.Context, data []byte) error {
		sig, err := decodeReloadSignal(data)
		if err != nil {
			return err
		}
		return handler(hctx, sig)
	})
}

// SubscribeIngestRequests shares ingest requests among the workers of the
// queue group until ctx ends.
func (b *Bus) SubscribeIngestRequests(ctx context.Context, handler func(context.Context, IngestRequest) error) error {
	return b.subscribe(ctx, b.ingestSubject, ingestQueueGroup, func(hctx context.Context, data []byte) error {
		var req IngestRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return domain.WrapError(domain.ErrInvalidInput, "decode ingest request", err)
		}
		return handler(hctx, req)
	})
}

func (b *Bus) subscribe(ctx context.Context, subject, queue string, handler func(context.Context, []byte) error) error {
	onMsg := func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, msg.Data); err != nil {
			slog.Error("nats_handler_failed",
				"subject", msg.Subject,
				"error", err.Error(),
			)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = b.conn.Subscribe(subject, onMsg)
	} else {
		sub, err = b.conn.QueueSubscribe(subject, queue, onMsg)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeReloadSignal(sig ReloadSignal) ([]byte, error) {
	payload, err := json.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("encode reload signal: %w", err)
	}
	return payload, nil
}

// decodeReloadSignal also accepts a bare reason string so operators can
// trigger a reload with `nats pub <subject> manual`.
func decodeReloadSignal(data []byte) (ReloadSignal, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return ReloadSignal{Reason: "empty"}, nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		return ReloadSignal{Reason: trimmed}, nil
	}
	var sig ReloadSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return ReloadSignal{}, domain.WrapError(domain.ErrInvalidInput, "decode reload signal", err)
	}
	return sig, nil
}
