package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/lib/pq"
)

// Driver names accepted by Open
const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"
)

// ErrUnsupportedDriver is returned by Open for unknown driver names
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Tables names the tables the source reads and writes
type Tables struct {
	Network  string
	Location string
	Marker   string
}

// DefaultTables returns the table names created by EnsureSchema
func DefaultTables() Tables {
	return Tables{
		Network:  "network",
		Location: "location",
		Marker:   "upload_marker",
	}
}

// ConnConfig holds store connection settings
type ConnConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN renders the key=value connection string understood by both drivers
func (c ConnConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
}

// Open connects to the store and verifies the connection
func Open(ctx context.Context, cfg ConnConfig) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverPQ
	}
	if driver != DriverPQ && driver != DriverPGX {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(driver, cfg.DSN())
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// PostgresSource implements Source on top of a Postgres database.
// Network descriptors are cached for the lifetime of a cursor so that
// repeated observations of the same BSSID cost one lookup.
type PostgresSource struct {
	db     *sql.DB
	tables Tables
	logger *slog.Logger

	mu       sync.Mutex
	networks map[string]Network
}

// NewPostgresSource creates a source over db using the given table names
func NewPostgresSource(db *sql.DB, tables Tables, logger *slog.Logger) *PostgresSource {
	return &PostgresSource{
		db:       db,
		tables:   tables,
		logger:   logger,
		networks: make(map[string]Network),
	}
}

// HighWaterMark returns the stored watermark, or 0 if none has been committed yet
func (s *PostgresSource) HighWaterMark(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("SELECT last_id FROM %s WHERE id = 1", pq.QuoteIdentifier(s.tables.Marker)) //nolint:gosec // table name is quoted

	var lastID int64
	err := s.db.QueryRowContext(ctx, query).Scan(&lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	return lastID, nil
}

// Unexported opens a read-only repeatable-read transaction, counts the pending
// records and returns a cursor over them. The snapshot keeps count and rows
// consistent while the scanner keeps writing.
func (s *PostgresSource) Unexported(ctx context.Context, sinceID int64) (Cursor, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}

	location := pq.QuoteIdentifier(s.tables.Location)

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE _id > $1", location) //nolint:gosec // table name is quoted
	if err := tx.QueryRowContext(ctx, countQuery, sinceID).Scan(&total); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to count unexported records: %w", err)
	}

	//nolint:gosec // table name is quoted
	query := fmt.Sprintf(
		"SELECT _id, bssid, level, lat, lon, altitude, accuracy, time FROM %s WHERE _id > $1 ORDER BY _id",
		location,
	)
	rows, err := tx.QueryContext(ctx, query, sinceID)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to query unexported records: %w", err)
	}

	s.mu.Lock()
	s.networks = make(map[string]Network)
	s.mu.Unlock()

	s.logger.Debug(fmt.Sprintf("📊 %d unexported records above id %d", total, sinceID))

	return &sqlCursor{tx: tx, rows: rows, total: total}, nil
}

// Network resolves a BSSID. An unknown BSSID yields a descriptor carrying only
// the BSSID so the observation is still exported.
func (s *PostgresSource) Network(ctx context.Context, bssid string) (Network, error) {
	s.mu.Lock()
	if n, ok := s.networks[bssid]; ok {
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	query := fmt.Sprintf("SELECT bssid, ssid, capabilities, frequency FROM %s WHERE bssid = $1", pq.QuoteIdentifier(s.tables.Network)) //nolint:gosec // table name is quoted

	var n Network
	err := s.db.QueryRowContext(ctx, query, bssid).Scan(&n.BSSID, &n.SSID, &n.Capabilities, &n.Frequency)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn(fmt.Sprintf("⚠️  No network row for %s, exporting bare observation", bssid))
		n = Network{BSSID: bssid}
	} else if err != nil {
		return Network{}, fmt.Errorf("failed to resolve network %s: %w", bssid, err)
	}

	s.mu.Lock()
	s.networks[bssid] = n
	s.mu.Unlock()

	return n, nil
}

// CommitWatermark upserts the marker row. The GREATEST guard keeps the
// watermark monotonic even if a stale value is committed.
func (s *PostgresSource) CommitWatermark(ctx context.Context, id int64) error {
	marker := pq.QuoteIdentifier(s.tables.Marker)
	//nolint:gosec // table name is quoted
	query := fmt.Sprintf(`
		INSERT INTO %s (id, last_id, updated_at) VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE
		SET last_id = GREATEST(%s.last_id, EXCLUDED.last_id), updated_at = now()`,
		marker, marker,
	)

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to commit watermark %d: %w", id, err)
	}
	return nil
}

// sqlCursor walks rows inside the snapshot transaction
type sqlCursor struct {
	tx      *sql.Tx
	rows    *sql.Rows
	total   int
	current Record
	err     error
	closed  bool
}

func (c *sqlCursor) Total() int {
	return c.total
}

func (c *sqlCursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	if !c.rows.Next() {
		return false
	}

	var r Record
	if err := c.rows.Scan(&r.ID, &r.BSSID, &r.Level, &r.Latitude, &r.Longitude, &r.Altitude, &r.Accuracy, &r.Time); err != nil {
		c.err = fmt.Errorf("failed to scan record: %w", err)
		return false
	}
	c.current = r
	return true
}

func (c *sqlCursor) Record() Record {
	return c.current
}

func (c *sqlCursor) Err() error {
	if c.closed {
		return ErrCursorClosed
	}
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

// Close releases the rows and ends the read-only snapshot
func (c *sqlCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	rowsErr := c.rows.Close()
	txErr := c.tx.Rollback()
	if rowsErr != nil {
		return rowsErr
	}
	if txErr != nil && !errors.Is(txErr, sql.ErrTxDone) {
		return txErr
	}
	return nil
}
