// Package brook provides an event store with persistent, ordered,
// at-least-once subscriptions backed by postgres.
//
// Producers append immutable events to named streams. Every event gets two
// dense monotonic positions at commit: a store-wide event number (its place
// in the synthetic "$all" stream) and a per-stream version. Appends announce
// themselves on the database's asynchronous notification channel as
// "<first>,<last>" event number ranges.
//
// Consumers subscribe by name to a single stream or to the all-stream.
// A subscription pairs a durable cursor row with a live delivery process:
//
//	brook.SubscriptionRow // last acknowledged position, survives restarts
//	brook.Subscription    // buffers, orders and forwards event batches
//
// The process catches up from the durable cursor by paging the event table,
// then tails live notifications, reconciling the two by position so nothing
// is dropped or duplicated. Forwarding is flow controlled: the next batch is
// only sent once the subscriber acknowledged the previous one, and acks
// advance the durable cursor so a reconnecting subscriber resumes where it
// left off. Delivery is at-least-once; subscribers must be idempotent.
//
// A database advisory lock keyed by the subscription row makes the delivery
// process a cluster-wide singleton: replicas of a consumer can all subscribe
// and exactly one receives events until its session dies and another takes
// over.
//
// The Broker hosts the notification listener and fans notified event ranges
// out to in-process topics, one per stream plus the all-stream. It should
// also run as a cluster singleton; WithSingletonLock guards the fan-out loop
// with an advisory lock so this needs no external coordination.
//
// The psql package provides the postgres implementations: the events table
// (append + reads), the subscriptions table (durable cursors), the
// LISTEN/NOTIFY listener and the advisory locker. The testmock package
// provides in-memory equivalents for testing consumers.
package brook
