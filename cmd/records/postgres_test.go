package records

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newMockSource(t *testing.T) (*PostgresSource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresSource(db, DefaultTables(), newTestLogger()), mock
}

func TestHighWaterMark(t *testing.T) {
	t.Run("stored value", func(t *testing.T) {
		src, mock := newMockSource(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT last_id FROM "upload_marker" WHERE id = 1`)).
			WillReturnRows(sqlmock.NewRows([]string{"last_id"}).AddRow(int64(4)))

		got, err := src.HighWaterMark(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if got != 4 {
			t.Fatalf("expected watermark 4, got %d", got)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("no marker row", func(t *testing.T) {
		src, mock := newMockSource(t)
		mock.ExpectQuery(`SELECT last_id FROM`).WillReturnError(sql.ErrNoRows)

		got, err := src.HighWaterMark(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if got != 0 {
			t.Fatalf("expected watermark 0, got %d", got)
		}
	})

	t.Run("query error", func(t *testing.T) {
		src, mock := newMockSource(t)
		mock.ExpectQuery(`SELECT last_id FROM`).WillReturnError(errors.New("connection reset"))

		if _, err := src.HighWaterMark(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestUnexported(t *testing.T) {
	src, mock := newMockSource(t)
	seen := time.Date(2010, 3, 14, 15, 9, 26, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "location" WHERE _id > $1`)).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT _id, bssid, level, lat, lon, altitude, accuracy, time FROM "location" WHERE _id > $1 ORDER BY _id`)).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"_id", "bssid", "level", "lat", "lon", "altitude", "accuracy", "time"}).
			AddRow(int64(5), "00:11:22:33:44:55", -60, 47.1, -122.2, 10.0, 5.0, seen).
			AddRow(int64(6), "00:11:22:33:44:55", -62, 47.2, -122.3, 11.0, 6.0, seen).
			AddRow(int64(9), "66:77:88:99:aa:bb", -80, 47.3, -122.4, 12.0, 7.0, seen))
	mock.ExpectRollback()

	cur, err := src.Unexported(context.Background(), 4)
	if err != nil {
		t.Fatal(err)
	}

	if cur.Total() != 3 {
		t.Fatalf("expected total 3, got %d", cur.Total())
	}

	var ids []int64
	for cur.Next() {
		ids = append(ids, cur.Record().ID)
	}
	if err := cur.Err(); err != nil {
		t.Fatal(err)
	}
	if err := cur.Close(); err != nil {
		t.Fatal(err)
	}

	want := []int64{5, 6, 9}
	if len(ids) != len(want) {
		t.Fatalf("expected ids %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected ids %v, got %v", want, ids)
		}
	}

	if err := cur.Err(); !errors.Is(err, ErrCursorClosed) {
		t.Fatalf("expected ErrCursorClosed after close, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestNetworkLookupIsCached(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT bssid, ssid, capabilities, frequency FROM "network" WHERE bssid = $1`)).
		WithArgs("00:11:22:33:44:55").
		WillReturnRows(sqlmock.NewRows([]string{"bssid", "ssid", "capabilities", "frequency"}).
			AddRow("00:11:22:33:44:55", "home,net", "[WPA2-PSK-CCMP]", 2437))

	for i := 0; i < 3; i++ {
		n, err := src.Network(context.Background(), "00:11:22:33:44:55")
		if err != nil {
			t.Fatal(err)
		}
		if n.SSID != "home,net" || n.Channel() != 6 {
			t.Fatalf("unexpected network: %+v (channel %d)", n, n.Channel())
		}
	}

	// one query for three lookups
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestNetworkLookupUnknownBSSID(t *testing.T) {
	src, mock := newMockSource(t)
	mock.ExpectQuery(`SELECT bssid, ssid, capabilities, frequency FROM`).
		WithArgs("de:ad:be:ef:00:01").
		WillReturnError(sql.ErrNoRows)

	n, err := src.Network(context.Background(), "de:ad:be:ef:00:01")
	if err != nil {
		t.Fatal(err)
	}
	if n.BSSID != "de:ad:be:ef:00:01" || n.SSID != "" {
		t.Fatalf("expected bare descriptor, got %+v", n)
	}
}

func TestCommitWatermark(t *testing.T) {
	src, mock := newMockSource(t)
	mock.ExpectExec(`INSERT INTO "upload_marker"`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := src.CommitWatermark(context.Background(), 9); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "network"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "location"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "upload_marker"`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := EnsureSchema(context.Background(), db, DefaultTables()); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestChannel(t *testing.T) {
	tests := []struct {
		name      string
		frequency int
		expected  int
	}{
		{"2.4GHz channel 1", 2412, 1},
		{"2.4GHz channel 11", 2462, 11},
		{"2.4GHz channel 14", 2484, 14},
		{"5GHz channel 36", 5180, 36},
		{"5GHz channel 165", 5825, 165},
		{"6GHz channel 1", 5955, 1},
		{"4.9GHz channel 184", 4920, 184},
		{"unknown", 900, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Network{Frequency: tt.frequency}.Channel()
			if got != tt.expected {
				t.Errorf("expected channel %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	cfg := ConnConfig{Host: "db", Port: 5433, User: "u", Password: "p", Name: "wifi"}
	want := "host=db port=5433 user=u password=p dbname=wifi sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), ConnConfig{Driver: "mysql"})
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
}
