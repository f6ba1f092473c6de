package psql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/brookhq/brook"
	"github.com/brookhq/brook/internal/tracing"
)

// ExpectedAny disables the optimistic concurrency check on append.
const ExpectedAny int64 = -1

// appendLockKey is the advisory transaction lock serialising appends. It
// guarantees dense commit-ordered event numbers: the lock is held until the
// transaction ends, so no later append can commit before an earlier one.
const appendLockKey int64 = 0x62726f6f6b // "brook"

// NewEventsTable returns a new events table.
func NewEventsTable(name string, opts ...EventsOption) *EventsTable {
	table := &EventsTable{
		schema: etableSchema{
			name:         name,
			numberField:  defaultEventNumberField,
			idField:      defaultEventIDField,
			streamField:  defaultEventStreamField,
			versionField: defaultEventVersionField,
			typeField:    defaultEventTypeField,
			corrField:    defaultEventCorrField,
			causeField:   defaultEventCauseField,
			dataField:    defaultEventDataField,
			metaField:    defaultEventMetaField,
			traceField:   defaultEventTraceField,
			timeField:    defaultEventTimeField,
		},
		channel: defaultChannel,
	}

	for _, o := range opts {
		o(table)
	}

	table.cache = newRCache(table.schema)

	return table
}

// EventsOption defines a functional option to configure new event tables.
type EventsOption func(*EventsTable)

// WithEventNumberField provides an option to set the event number DB field.
// It defaults to 'event_number'.
func WithEventNumberField(field string) EventsOption {
	return func(table *EventsTable) {
		table.schema.numberField = field
	}
}

// WithEventStreamField provides an option to set the stream id DB field.
// It defaults to 'stream_id'.
func WithEventStreamField(field string) EventsOption {
	return func(table *EventsTable) {
		table.schema.streamField = field
	}
}

// WithEventTimeField provides an option to set the event DB timestamp field.
// It defaults to 'created_at'.
func WithEventTimeField(field string) EventsOption {
	return func(table *EventsTable) {
		table.schema.timeField = field
	}
}

// WithNotifyChannel provides an option to set the notification channel
// appends are announced on. It defaults to 'events'.
func WithNotifyChannel(channel string) EventsOption {
	return func(table *EventsTable) {
		table.channel = channel
	}
}

// WithoutEventsCache provides an option to disable the read-through cache
// on the all-stream head.
func WithoutEventsCache() EventsOption {
	return func(table *EventsTable) {
		table.disableCache = true
	}
}

// EventsTable provides event appends and reads for a postgres table.
//
// Appends are serialised with an advisory transaction lock so event numbers
// are dense and notifications go out in commit order; see appendLockKey.
type EventsTable struct {
	schema       etableSchema
	channel      string
	disableCache bool
	cache        *rcache
}

// etableSchema defines the postgres schema of an events table.
type etableSchema struct {
	name         string
	numberField  string
	idField      string
	streamField  string
	versionField string
	typeField    string
	corrField    string
	causeField   string
	dataField    string
	metaField    string
	traceField   string
	timeField    string
}

// Append appends events to a stream inside the given transaction, assigning
// dense store-wide event numbers and per-stream versions. It returns the
// stored events. If expected is not ExpectedAny and does not equal the
// stream's current version it returns ErrWrongExpectedVersion.
//
// The append is announced on the notify channel as part of the same
// transaction, so the notification is delivered on commit, in commit order.
func (t *EventsTable) Append(ctx context.Context, tx *sql.Tx, streamID string,
	expected int64, events ...brook.EventData,
) ([]*brook.Event, error) {
	if streamID == "" || streamID == brook.StreamAll {
		return nil, errors.New("invalid stream id", j.KS("stream_id", streamID))
	}
	if len(events) == 0 {
		return nil, errors.New("appending empty batch")
	}

	_, err := tx.ExecContext(ctx, "select pg_advisory_xact_lock($1)", appendLockKey)
	if err != nil {
		return nil, errors.Wrap(err, "acquire append lock")
	}

	number, _, err := getHead(ctx, tx, t.schema, brook.StreamAll)
	if err != nil {
		return nil, err
	}
	_, version, err := getHead(ctx, tx, t.schema, streamID)
	if err != nil {
		return nil, err
	}

	if expected != ExpectedAny && expected != version {
		return nil, errors.Wrap(brook.ErrWrongExpectedVersion, "", j.MKV{
			"stream_id": streamID, "expected": expected, "actual": version,
		})
	}

	var trace []byte
	if spanCtx, ok := tracing.Extract(ctx); ok {
		trace, err = tracing.Marshal(spanCtx)
		if err != nil {
			return nil, err
		}
	}

	stored := make([]*brook.Event, 0, len(events))
	for _, data := range events {
		number++
		version++

		id := data.ID
		if id == uuid.Nil {
			id = uuid.New()
		}

		e := &brook.Event{
			ID:            id,
			Number:        number,
			StreamID:      streamID,
			StreamVersion: version,
			Type:          data.Type,
			CorrelationID: data.CorrelationID,
			CausationID:   data.CausationID,
			Data:          data.Data,
			Metadata:      data.Metadata,
			Trace:         trace,
			CreatedAt:     time.Now().UTC(),
		}

		err := t.insert(ctx, tx, e)
		if err != nil {
			return nil, err
		}
		stored = append(stored, e)
	}

	first := stored[0].Number
	last := stored[len(stored)-1].Number
	payload := fmt.Sprintf("%d,%d", first, last)
	_, err = tx.ExecContext(ctx, "select pg_notify($1, $2)", t.channel, payload)
	if err != nil {
		return nil, errors.Wrap(err, "notify append")
	}

	appendCounter.WithLabelValues(t.schema.name).Add(float64(len(stored)))

	return stored, nil
}

func (t *EventsTable) insert(ctx context.Context, tx *sql.Tx, e *brook.Event) error {
	s := t.schema
	fields := []string{
		s.numberField, s.idField, s.streamField, s.versionField, s.typeField,
		s.corrField, s.causeField, s.dataField, s.metaField, s.traceField,
		s.timeField,
	}
	q := "insert into " + s.name + " (" + strings.Join(fields, ", ") + ")" +
		" values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)"

	_, err := tx.ExecContext(ctx, q, e.Number, e.ID.String(), e.StreamID,
		e.StreamVersion, e.Type, nullIfEmpty(e.CorrelationID),
		nullIfEmpty(e.CausationID), e.Data, e.Metadata, e.Trace, e.CreatedAt)
	return errors.Wrap(err, "insert event")
}

// ReadStreamForward returns up to limit events of the stream with version at
// or after fromVersion. It returns ErrStreamNotFound if the stream has no
// events at all.
func (t *EventsTable) ReadStreamForward(ctx context.Context, dbc DBC,
	streamID string, fromVersion int64, limit int,
) ([]*brook.Event, error) {
	readCounter.WithLabelValues(t.schema.name).Inc()

	el, err := getStreamEvents(ctx, dbc, t.schema, streamID, fromVersion, limit)
	if err != nil {
		return nil, err
	}
	if len(el) == 0 {
		ok, err := streamExists(ctx, dbc, t.schema, streamID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Wrap(brook.ErrStreamNotFound, "",
				j.KS("stream_id", streamID))
		}
	}
	return el, nil
}

// ReadAllForward returns up to limit events with event number at or after
// fromNumber. Reads near the head are served from the read-through cache.
func (t *EventsTable) ReadAllForward(ctx context.Context, dbc DBC,
	fromNumber int64, limit int,
) ([]*brook.Event, error) {
	readCounter.WithLabelValues(t.schema.name).Inc()

	if t.disableCache {
		return getAllEvents(ctx, dbc, t.schema, fromNumber, limit)
	}
	return t.cache.ReadAllForward(ctx, dbc, fromNumber, limit)
}

// Head returns the position of the latest event in scope.
func (t *EventsTable) Head(ctx context.Context, dbc DBC, streamID string) (int64, int64, error) {
	return getHead(ctx, dbc, t.schema, streamID)
}

// ToReader binds the table to a db connection pool, returning a
// brook.EventReader.
func (t *EventsTable) ToReader(dbc *sql.DB) brook.EventReader {
	return &eventReader{t: t, dbc: dbc}
}

type eventReader struct {
	t   *EventsTable
	dbc *sql.DB
}

func (r *eventReader) ReadStreamForward(ctx context.Context, streamID string,
	fromVersion int64, limit int,
) ([]*brook.Event, error) {
	return r.t.ReadStreamForward(ctx, r.dbc, streamID, fromVersion, limit)
}

func (r *eventReader) ReadAllForward(ctx context.Context, fromNumber int64,
	limit int,
) ([]*brook.Event, error) {
	return r.t.ReadAllForward(ctx, r.dbc, fromNumber, limit)
}

func (r *eventReader) Head(ctx context.Context, streamID string) (int64, int64, error) {
	return r.t.Head(ctx, r.dbc, streamID)
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
