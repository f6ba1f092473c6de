package brook

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/log"
)

// catchUp is the transient worker bringing a subscription from its durable
// cursor to the current head. It pages the event reader from the cursor,
// forwarding each page to the owning subscription's inbox, and terminates
// once a page comes back short. Live batches arriving meanwhile are held by
// the subscription and reconciled against catch-up output by position (the
// event number on all-stream subscriptions, the stream version otherwise).
//
// Read errors crash the worker and with it the owning run; the supervision
// loop restarts the subscription and catch-up resumes from the durable
// cursor.
func (s *Subscription) catchUp(ctx context.Context, row *SubscriptionRow, epoch int64) {
	err := s.catchUpOnce(ctx, row, epoch)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	log.Error(ctx, errors.Wrap(err, "catch-up worker failed"))
	_ = s.send(ctx, failMsg{epoch: epoch, err: err})
}

func (s *Subscription) catchUpOnce(ctx context.Context, row *SubscriptionRow, epoch int64) error {
	b := s.broker
	batch := s.opts.CatchUpBatch

	fromNumber := row.LastSeenNumber + 1
	fromVersion := row.LastSeenVersion + 1

	for {
		var (
			el  []*Event
			err error
		)
		if s.IsAll() {
			el, err = b.reader.ReadAllForward(ctx, fromNumber, batch)
		} else {
			el, err = b.reader.ReadStreamForward(ctx, s.streamID, fromVersion, batch)
			if IsStreamNotFoundErr(err) {
				// Nothing appended yet; the live path takes over.
				err, el = nil, nil
			}
		}
		if err != nil {
			return err
		}

		catchUpPages.WithLabelValues(s.streamID, s.name).Inc()

		if len(el) > 0 {
			err := s.send(ctx, eventsMsg{epoch: epoch, events: el})
			if err != nil {
				return err
			}
			last := el[len(el)-1]
			fromNumber = last.Number + 1
			fromVersion = last.StreamVersion + 1
		}

		if len(el) < batch {
			return s.send(ctx, catchUpDoneMsg{epoch: epoch})
		}
	}
}
