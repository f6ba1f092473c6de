package psql_test

import (
	"database/sql"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/luno/jettison/jtest"

	"github.com/brookhq/brook/psql"
)

var dbTestURI = flag.String("db_test_uri", getDefaultURI(), "Test database uri")

func getDefaultURI() string {
	if uri, ok := os.LookupEnv("BROOK_TEST_URI"); ok {
		return uri
	}
	return "postgres://postgres@localhost:5432/test?sslmode=disable"
}

// connect returns a connection to the test database, skipping the test if
// it is unreachable.
func connect(t *testing.T) *sql.DB {
	t.Helper()

	dbc, err := sql.Open("postgres", *dbTestURI)
	jtest.RequireNil(t, err)
	t.Cleanup(func() { dbc.Close() })

	if err := dbc.Ping(); err != nil {
		t.Skipf("test database unreachable: %v", err)
	}
	return dbc
}

type tables struct {
	events        string
	subscriptions string
}

// createTestTables creates uniquely named event and subscription tables and
// drops them on cleanup.
func createTestTables(t *testing.T, dbc *sql.DB) tables {
	t.Helper()

	suffix := rand.Int63()
	tl := tables{
		events:        fmt.Sprintf("events_%d", suffix),
		subscriptions: fmt.Sprintf("subscriptions_%d", suffix),
	}

	eventsDDL := fmt.Sprintf(`create table %s (
	event_number bigint not null,
	id uuid not null,
	stream_id text not null,
	stream_version bigint not null,
	event_type text not null,
	correlation_id text,
	causation_id text,
	data bytea,
	metadata bytea,
	trace bytea,
	created_at timestamptz not null,

	primary key (event_number),
	unique (id),
	unique (stream_id, stream_version)
);`, tl.events)

	subsDDL := fmt.Sprintf(`create table %s (
	subscription_id bigserial not null,
	stream_uuid text not null,
	subscription_name text not null,
	last_seen_event_number bigint,
	last_seen_stream_version bigint,
	created_at timestamptz not null,

	primary key (subscription_id),
	unique (stream_uuid, subscription_name)
);`, tl.subscriptions)

	_, err := dbc.Exec(eventsDDL)
	jtest.RequireNil(t, err)
	_, err = dbc.Exec(subsDDL)
	jtest.RequireNil(t, err)

	t.Cleanup(func() {
		_, _ = dbc.Exec("drop table if exists " + tl.events)
		_, _ = dbc.Exec("drop table if exists " + tl.subscriptions)
	})

	return tl
}

func TestEventsTable(t *testing.T) {
	dbc := connect(t)
	tl := createTestTables(t, dbc)

	table := psql.NewEventsTable(tl.events,
		psql.WithNotifyChannel("events_test"))
	psql.TestEventsTable(t, dbc, table)
}

func TestEventsTableWithoutCache(t *testing.T) {
	dbc := connect(t)
	tl := createTestTables(t, dbc)

	table := psql.NewEventsTable(tl.events,
		psql.WithNotifyChannel("events_test"),
		psql.WithoutEventsCache())
	psql.TestEventsTable(t, dbc, table)
}

func TestSubscriptionsTable(t *testing.T) {
	dbc := connect(t)
	tl := createTestTables(t, dbc)

	table := psql.NewSubscriptionsTable(tl.subscriptions)
	psql.TestSubscriptionsTable(t, dbc, table)
}
