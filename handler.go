package brook

import (
	"context"
	"time"

	"github.com/luno/fate"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/brookhq/brook/internal/tracing"
)

const defaultLagAlert = 30 * time.Minute
const defaultActivityTTL = 24 * time.Hour

// HandleFunc is the business logic applied to each delivered batch. Handlers
// should be idempotent since delivery is at-least-once.
type HandleFunc func(context.Context, fate.Fate, []*Event) error

// Handler wraps a HandleFunc into an instrumented subscriber loop that
// acknowledges each batch after it was handled successfully.
type Handler struct {
	fn          HandleFunc
	name        string
	lagAlert    time.Duration
	activityTTL time.Duration

	lagGauge      prometheus.Gauge
	lagAlertGauge prometheus.Gauge
	errorCounter  prometheus.Counter
	latencyHist   prometheus.Observer
	activityKey   string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLagAlert provides an option to set the handler lag alert
// threshold. Setting it to -1 disables the alert.
func WithHandlerLagAlert(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.lagAlert = d
	}
}

// WithHandlerActivityTTL provides an option to set the handler activity
// metric ttl; ie. if no batch is handled in `ttl` duration the handler is
// considered inactive. Setting it to -1 disables the activity metric.
func WithHandlerActivityTTL(ttl time.Duration) HandlerOption {
	return func(h *Handler) {
		h.activityTTL = ttl
	}
}

// NewHandler returns a new instrumented batch handler.
func NewHandler(name string, fn HandleFunc, opts ...HandlerOption) *Handler {
	h := &Handler{
		fn:            fn,
		name:          name,
		lagAlert:      defaultLagAlert,
		activityTTL:   defaultActivityTTL,
		lagGauge:      handlerLag.With(handlerLabels(name)),
		lagAlertGauge: handlerLagAlert.With(handlerLabels(name)),
		errorCounter:  handlerErrors.With(handlerLabels(name)),
		latencyHist:   handlerLatency.With(handlerLabels(name)),
	}

	for _, o := range opts {
		o(h)
	}

	h.activityKey = registerActivity(name, h.activityTTL)

	return h
}

// Name returns the handler name.
func (h *Handler) Name() string {
	return h.name
}

// Serve consumes deliveries from the subscription, handling and then
// acknowledging each batch. It blocks until the subscription terminates or
// the handler fails, and always returns a non-nil error. Handler errors
// stop the loop without acking, so the failed batch is redelivered after
// the subscription restarts.
func (h *Handler) Serve(ctx context.Context, s *Subscription) error {
	f := fate.New()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-s.C():
			if !ok {
				if err := s.Err(); err != nil {
					return err
				}
				return ErrStopped
			}
			if d.Subscribed {
				continue
			}
			if err := h.handle(ctx, f, d.Events); err != nil {
				return err
			}
			if err := s.Ack(d.Events...); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) handle(ctx context.Context, f fate.Fate, events []*Event) error {
	t0 := time.Now()

	handlerActivityGauge.SetActive(h.activityKey)

	if len(events) > 0 {
		last := events[len(events)-1]
		ctx = tracing.Inject(ctx, last.Trace)

		lag := t0.Sub(last.CreatedAt)
		h.lagGauge.Set(lag.Seconds())

		alert := 0.0
		if lag > h.lagAlert && h.lagAlert > 0 {
			alert = 1
		}
		h.lagAlertGauge.Set(alert)
	}

	err := h.fn(ctx, f, events)
	if err != nil {
		h.errorCounter.Inc()
		err = errors.Wrap(err, "handle error", j.KS("handler", h.name))
	}

	h.latencyHist.Observe(time.Since(t0).Seconds())

	return err
}
