package records

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

const networkTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
	bssid        text PRIMARY KEY,
	ssid         text NOT NULL DEFAULT '',
	capabilities text NOT NULL DEFAULT '',
	frequency    integer NOT NULL DEFAULT 0,
	lasttime     timestamptz,
	lastlat      double precision,
	lastlon      double precision
)`

const locationTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
	_id      bigserial PRIMARY KEY,
	bssid    text NOT NULL,
	level    integer NOT NULL,
	lat      double precision NOT NULL,
	lon      double precision NOT NULL,
	altitude double precision NOT NULL DEFAULT 0,
	accuracy double precision NOT NULL DEFAULT 0,
	time     timestamptz NOT NULL
)`

const markerTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
	id         smallint PRIMARY KEY CHECK (id = 1),
	last_id    bigint NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`

// EnsureSchema creates the source tables if they do not exist
func EnsureSchema(ctx context.Context, db *sql.DB, tables Tables) error {
	statements := []struct {
		table string
		ddl   string
	}{
		{tables.Network, networkTableDDL},
		{tables.Location, locationTableDDL},
		{tables.Marker, markerTableDDL},
	}

	for _, st := range statements {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(st.ddl, pq.QuoteIdentifier(st.table))); err != nil {
			return fmt.Errorf("failed to create table %s: %w", st.table, err)
		}
	}

	return nil
}
