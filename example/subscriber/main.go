// Command subscriber tails a stream (or the all-stream) and logs every
// delivered batch. It demonstrates wiring the postgres tables, listener,
// locker and broker together with an auto-acking handler.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/luno/fate"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"

	"github.com/brookhq/brook"
	"github.com/brookhq/brook/example"
	"github.com/brookhq/brook/psql"
)

var configPath = flag.String("config", "config.yaml", "Path to the config file")

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(ctx, errors.Wrap(err, "subscriber exited"))
	}
}

func run(ctx context.Context) error {
	conf, err := example.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	dbc, err := sql.Open("postgres", conf.DB.URI)
	if err != nil {
		return errors.Wrap(err, "open db")
	}
	defer dbc.Close()

	events := psql.NewEventsTable("events")
	subs := psql.NewSubscriptionsTable("subscriptions")
	listener := psql.NewListener(conf.DB.URI)

	b := brook.NewBroker(
		listener,
		events.ToReader(dbc),
		subs.ToStore(dbc),
		psql.NewLocker(dbc),
		brook.WithSingletonLock(brook.PublisherLockKey),
	)

	go func() {
		err := b.Run(ctx)
		if !errors.Is(err, context.Canceled) {
			log.Error(ctx, errors.Wrap(err, "broker stopped"))
		}
	}()

	var sub *brook.Subscription
	opts := []brook.SubscribeOption{
		brook.WithBufferMax(conf.Subscription.BufferMax),
	}
	if conf.Subscription.Stream == "" {
		sub, err = b.SubscribeToAll(ctx, conf.Subscription.Name, opts...)
	} else {
		sub, err = b.SubscribeToStream(ctx, conf.Subscription.Stream,
			conf.Subscription.Name, opts...)
	}
	if err != nil {
		return err
	}

	h := brook.NewHandler(conf.Subscription.Name,
		func(ctx context.Context, _ fate.Fate, el []*brook.Event) error {
			for _, e := range el {
				log.Info(ctx, "received event", j.MKV{
					"event_number":   e.Number,
					"stream_id":      e.StreamID,
					"stream_version": e.StreamVersion,
					"event_type":     e.Type,
				})
			}
			return nil
		})

	return h.Serve(ctx, sub)
}
