package psql

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"

	"github.com/brookhq/brook"
)

const (
	defaultChannel      = "events"
	defaultMinReconnect = time.Second
	defaultMaxReconnect = time.Minute
	defaultPingPeriod   = time.Second * 90
)

// NewListener returns a listener consuming append notifications from the
// database's asynchronous notification channel. Payloads encode the event
// number range of a committed append as "<first>,<last>".
//
// The listener preserves commit order and does not coalesce ranges. After a
// reconnect it does not replay missed ranges; the broker heals gaps by
// reading from the last published event number.
func NewListener(conninfo string, opts ...ListenerOption) *PGListener {
	l := &PGListener{
		conninfo:     conninfo,
		channel:      defaultChannel,
		minReconnect: defaultMinReconnect,
		maxReconnect: defaultMaxReconnect,
		pingPeriod:   defaultPingPeriod,
		ranges:       make(chan brook.Range, 1024),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ListenerOption defines a functional option to configure new listeners.
type ListenerOption func(*PGListener)

// WithListenChannel provides an option to set the notification channel.
// It defaults to 'events'.
func WithListenChannel(channel string) ListenerOption {
	return func(l *PGListener) {
		l.channel = channel
	}
}

// WithReconnectInterval provides an option to set the listener reconnect
// backoff bounds. They default to 1s and 1m.
func WithReconnectInterval(min, max time.Duration) ListenerOption {
	return func(l *PGListener) {
		l.minReconnect = min
		l.maxReconnect = max
	}
}

// PGListener implements brook.Listener on postgres LISTEN/NOTIFY.
type PGListener struct {
	conninfo     string
	channel      string
	minReconnect time.Duration
	maxReconnect time.Duration
	pingPeriod   time.Duration

	ranges chan brook.Range
}

// Ranges returns the channel of notified event number ranges.
func (l *PGListener) Ranges() <-chan brook.Range {
	return l.ranges
}

// Run blocks consuming notifications until ctx is cancelled. It always
// returns a non-nil error.
func (l *PGListener) Run(ctx context.Context) error {
	pl := pq.NewListener(l.conninfo, l.minReconnect, l.maxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if ev == pq.ListenerEventReconnected {
				listenerReconnects.Inc()
			}
			if err != nil {
				log.Error(ctx, errors.Wrap(err, "listener event",
					j.KV("event", int(ev))))
			}
		})
	defer pl.Close()

	if err := pl.Listen(l.channel); err != nil {
		return errors.Wrap(err, "listen", j.KS("channel", l.channel))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n := <-pl.Notify:
			if n == nil {
				// Connection re-established; missed ranges are healed by
				// the broker's forward reads.
				continue
			}

			r, err := parsePayload(n.Extra)
			if err != nil {
				log.Error(ctx, errors.Wrap(err, "invalid notify payload",
					j.KS("payload", n.Extra)))
				continue
			}

			listenerNotifications.Inc()

			select {
			case l.ranges <- r:
			case <-ctx.Done():
				return ctx.Err()
			}

		case <-time.After(l.pingPeriod):
			if err := pl.Ping(); err != nil {
				log.Error(ctx, errors.Wrap(err, "listener ping"))
			}
		}
	}
}

// parsePayload parses "<first_event_number>,<last_event_number>".
func parsePayload(payload string) (brook.Range, error) {
	firstStr, lastStr, ok := strings.Cut(payload, ",")
	if !ok {
		return brook.Range{}, errors.New("missing separator")
	}

	first, err := strconv.ParseInt(firstStr, 10, 64)
	if err != nil {
		return brook.Range{}, errors.Wrap(err, "parse first")
	}
	last, err := strconv.ParseInt(lastStr, 10, 64)
	if err != nil {
		return brook.Range{}, errors.Wrap(err, "parse last")
	}

	if first <= 0 || last < first {
		return brook.Range{}, errors.New("invalid range",
			j.MKV{"first": first, "last": last})
	}

	return brook.Range{First: first, Last: last}, nil
}
