package psql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/brookhq/brook"
)

const (
	defaultEventNumberField  = "event_number"
	defaultEventIDField      = "id"
	defaultEventStreamField  = "stream_id"
	defaultEventVersionField = "stream_version"
	defaultEventTypeField    = "event_type"
	defaultEventCorrField    = "correlation_id"
	defaultEventCauseField   = "causation_id"
	defaultEventDataField    = "data"
	defaultEventMetaField    = "metadata"
	defaultEventTraceField   = "trace"
	defaultEventTimeField    = "created_at"
)

// DBC is a common interface for *sql.DB, *sql.Tx and *sql.Conn.
type DBC interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type row interface {
	Scan(dest ...interface{}) error
}

func (s etableSchema) selectFields() string {
	return s.numberField + ", " + s.idField + ", " + s.streamField + ", " +
		s.versionField + ", " + s.typeField + ", " +
		"coalesce(" + s.corrField + ", ''), coalesce(" + s.causeField + ", ''), " +
		s.dataField + ", " + s.metaField + ", " + s.traceField + ", " + s.timeField
}

func scan(r row) (*brook.Event, error) {
	var (
		e  brook.Event
		id string
	)
	err := r.Scan(&e.Number, &id, &e.StreamID, &e.StreamVersion, &e.Type,
		&e.CorrelationID, &e.CausationID, &e.Data, &e.Metadata, &e.Trace,
		&e.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "scan event")
	}
	e.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, errors.Wrap(err, "parse event id")
	}
	return &e, nil
}

func getStreamEvents(ctx context.Context, dbc DBC, schema etableSchema,
	streamID string, fromVersion int64, limit int,
) ([]*brook.Event, error) {
	q := "select " + schema.selectFields() + " from " + schema.name +
		" where " + schema.streamField + "=$1 and " + schema.versionField + ">=$2" +
		" order by " + schema.versionField + " asc limit $3"

	rows, err := dbc.QueryContext(ctx, q, streamID, fromVersion, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query stream events")
	}
	defer rows.Close()

	var el []*brook.Event
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		el = append(el, e)
	}
	return el, rows.Err()
}

func getAllEvents(ctx context.Context, dbc DBC, schema etableSchema,
	fromNumber int64, limit int,
) ([]*brook.Event, error) {
	q := "select " + schema.selectFields() + " from " + schema.name +
		" where " + schema.numberField + ">=$1" +
		" order by " + schema.numberField + " asc limit $2"

	rows, err := dbc.QueryContext(ctx, q, fromNumber, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query all events")
	}
	defer rows.Close()

	var el []*brook.Event
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		el = append(el, e)
	}
	return el, rows.Err()
}

func getHead(ctx context.Context, dbc DBC, schema etableSchema,
	streamID string,
) (int64, int64, error) {
	if streamID == brook.StreamAll {
		var number sql.NullInt64
		q := fmt.Sprintf("select max(%s) from %s", schema.numberField, schema.name)
		err := dbc.QueryRowContext(ctx, q).Scan(&number)
		if err != nil {
			return 0, 0, errors.Wrap(err, "query head")
		}
		return number.Int64, 0, nil
	}

	var number, version sql.NullInt64
	q := fmt.Sprintf("select max(%s), max(%s) from %s where %s=$1",
		schema.numberField, schema.versionField, schema.name, schema.streamField)
	err := dbc.QueryRowContext(ctx, q, streamID).Scan(&number, &version)
	if err != nil {
		return 0, 0, errors.Wrap(err, "query stream head")
	}
	return number.Int64, version.Int64, nil
}

func streamExists(ctx context.Context, dbc DBC, schema etableSchema,
	streamID string,
) (bool, error) {
	var exists bool
	q := fmt.Sprintf("select exists (select 1 from %s where %s=$1)",
		schema.name, schema.streamField)
	err := dbc.QueryRowContext(ctx, q, streamID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "query stream exists")
	}
	return exists, nil
}

// isPQError returns true if the error is a postgres error with any of the
// given codes.
func isPQError(err error, codes ...pq.ErrorCode) bool {
	if err == nil {
		return false
	}

	pe := new(pq.Error)
	if !errors.As(err, &pe) {
		return false
	}

	for _, code := range codes {
		if pe.Code == code {
			return true
		}
	}
	return false
}

// 23505: unique_violation
func isPQErrUniqueViolation(err error) bool {
	return isPQError(err, "23505")
}

// isPQErrSerialization returns true for serialization and deadlock failures
// which are safe to retry.
//   - 40001: serialization_failure
//   - 40P01: deadlock_detected
func isPQErrSerialization(err error) bool {
	return isPQError(err, "40001", "40P01")
}

func getSubscription(ctx context.Context, dbc DBC, schema stableSchema,
	streamID, name string,
) (*brook.SubscriptionRow, error) {
	q := "select " + schema.idField + ", " + schema.streamField + ", " +
		schema.nameField + ", coalesce(" + schema.numberField + ", 0), " +
		"coalesce(" + schema.versionField + ", 0), " + schema.timeField +
		" from " + schema.name +
		" where " + schema.streamField + "=$1 and " + schema.nameField + "=$2"

	var r brook.SubscriptionRow
	err := dbc.QueryRowContext(ctx, q, streamID, name).Scan(&r.ID, &r.StreamID,
		&r.Name, &r.LastSeenNumber, &r.LastSeenVersion, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	} else if err != nil {
		return nil, errors.Wrap(err, "query subscription", j.MKS{
			"stream_id": streamID, "name": name,
		})
	}
	return &r, nil
}

func insertSubscription(ctx context.Context, dbc DBC, schema stableSchema,
	streamID, name string, number, version int64,
) error {
	q := "insert into " + schema.name + " (" + schema.streamField + ", " +
		schema.nameField + ", " + schema.numberField + ", " +
		schema.versionField + ", " + schema.timeField + ") values ($1, $2, $3, $4, now())"

	_, err := dbc.ExecContext(ctx, q, streamID, name, nullIfZero(number), nullIfZero(version))
	return err
}

// setSubscription overwrites the subscription cursor. The caller holds the
// advisory lock and guarantees monotonicity.
func setSubscription(ctx context.Context, dbc DBC, schema stableSchema,
	streamID, name string, number, version int64,
) error {
	q := "update " + schema.name + " set " + schema.numberField + "=$1, " +
		schema.versionField + "=$2 where " + schema.streamField + "=$3 and " +
		schema.nameField + "=$4"

	res, err := dbc.ExecContext(ctx, q, nullIfZero(number), nullIfZero(version), streamID, name)
	if err != nil {
		return errors.Wrap(err, "set subscription cursor", j.MKS{
			"stream_id": streamID, "name": name,
		})
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	} else if n > 1 {
		return errors.New("invalid rows affected", j.KV("rows", n))
	}
	// Zero rows means the row was unsubscribed; the cursor dies with it.
	return nil
}

func deleteSubscription(ctx context.Context, dbc DBC, schema stableSchema,
	streamID, name string,
) error {
	q := "delete from " + schema.name + " where " + schema.streamField +
		"=$1 and " + schema.nameField + "=$2"
	_, err := dbc.ExecContext(ctx, q, streamID, name)
	return errors.Wrap(err, "delete subscription")
}

func nullIfZero(i int64) sql.NullInt64 {
	return sql.NullInt64{Int64: i, Valid: i != 0}
}

// sleepFunc is abstracted for testing.
type sleepFunc func(d time.Duration)
