package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/arbiter/internal/idgen"
	"github.com/mbd888/arbiter/internal/retry"
)

var (
	publishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbiter",
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Events delivered by publisher.",
	}, []string{"publisher"})

	publishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbiter",
		Subsystem: "outbox",
		Name:      "publish_failures_total",
		Help:      "Failed deliveries by publisher, after in-line retries.",
	}, []string{"publisher"})

	deadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arbiter",
		Subsystem: "outbox",
		Name:      "dead_lettered_total",
		Help:      "Events abandoned after exhausting their retry budget.",
	})
)

func init() {
	prometheus.MustRegister(publishedTotal, publishFailures, deadLettered)
}

// Relay periodically drains the outbox into the configured publishers.
type Relay struct {
	store       Store
	publishers  []Publisher
	interval    time.Duration
	batchSize   int
	claimTTL    time.Duration
	maxAttempts int
	inline      retry.Policy
	backoff     retry.Policy
	logger      *slog.Logger
	stop        chan struct{}
	stopOnce    sync.Once
	running     atomic.Bool
	now         func() time.Time
}

// NewRelay creates a relay. Publishers are called in order for every event.
func NewRelay(store Store, logger *slog.Logger, publishers ...Publisher) *Relay {
	return &Relay{
		store:       store,
		publishers:  publishers,
		interval:    2 * time.Second,
		batchSize:   100,
		claimTTL:    30 * time.Second,
		maxAttempts: 8,
		inline:      retry.DefaultPolicy,
		backoff:     retry.Policy{BaseDelay: 5 * time.Second, MaxDelay: 10 * time.Minute},
		logger:      logger,
		stop:        make(chan struct{}),
		now:         time.Now,
	}
}

// WithInterval sets the poll interval.
func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithMaxAttempts sets how many relay passes an event gets before it is
// dead-lettered.
func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// WithInlinePolicy sets the retry policy used inside one relay pass.
func (r *Relay) WithInlinePolicy(p retry.Policy) *Relay {
	r.inline = p
	return r
}

// Running reports whether the relay loop is actively running.
func (r *Relay) Running() bool {
	return r.running.Load()
}

// Start runs the relay loop until ctx is cancelled or Stop is called.
func (r *Relay) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeFlush(ctx)
		}
	}
}

// Stop signals the relay to stop. It is safe to call more than once.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Relay) safeFlush(ctx context.Context) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("panic in outbox relay", "panic", fmt.Sprint(v))
		}
	}()
	if _, err := r.Flush(ctx); err != nil {
		r.logger.Warn("outbox flush failed", "error", err)
	}
}

// Flush claims one batch and delivers it. It returns the number of events
// published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	token := idgen.New()
	now := r.now().UTC()
	events, err := r.store.Claim(ctx, r.batchSize, token, now, now.Add(r.claimTTL))
	if err != nil {
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}

	published := 0
	for _, evt := range events {
		if err := r.deliver(ctx, evt); err != nil {
			r.fail(ctx, evt, token, err)
			continue
		}
		if err := r.store.MarkPublished(ctx, evt.ID, token, r.now().UTC()); err != nil {
			r.logger.Warn("failed to mark event published", "event_id", evt.ID, "error", err)
			continue
		}
		published++
	}

	if len(events) > 0 {
		r.logger.Info("outbox batch processed",
			"batch_size", len(events),
			"published", published,
			"failed", len(events)-published,
		)
	}
	return published, nil
}

func (r *Relay) deliver(ctx context.Context, evt *Event) error {
	var errs []error
	for _, p := range r.publishers {
		err := r.inline.Do(ctx, func() error { return p.Publish(ctx, evt) })
		if err != nil {
			publishFailures.WithLabelValues(p.Name()).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		publishedTotal.WithLabelValues(p.Name()).Inc()
	}
	return errors.Join(errs...)
}

func (r *Relay) fail(ctx context.Context, evt *Event, token string, cause error) {
	attempts := evt.Attempts + 1
	now := r.now().UTC()

	if attempts >= r.maxAttempts {
		deadLettered.Inc()
		r.logger.Error("outbox event dead-lettered",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"order_id", evt.OrderID,
			"attempts", attempts,
			"error", cause,
		)
		if err := r.store.MarkDeadLettered(ctx, evt.ID, token, cause.Error(), now); err != nil {
			r.logger.Warn("failed to dead-letter event", "event_id", evt.ID, "error", err)
		}
		return
	}

	retryAt := now.Add(r.backoff.Delay(attempts - 1))
	r.logger.Warn("outbox publish failed; retry scheduled",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"attempts", attempts,
		"retry_at", retryAt,
		"error", cause,
	)
	if err := r.store.MarkFailed(ctx, evt.ID, token, cause.Error(), retryAt); err != nil {
		r.logger.Warn("failed to reschedule event", "event_id", evt.ID, "error", err)
	}
}
