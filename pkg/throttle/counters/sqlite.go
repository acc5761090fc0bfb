package counters

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store using a SQLite table with a conditional
// upsert. It provides durable counters for single-host deployments where
// limits must survive restarts.
//
// Increments are atomic at the statement level: a single upsert either
// starts a fresh counter (when the previous one has expired) or bumps the
// live one, and returns the post-increment value. Expired rows are purged
// on a cron schedule; reads treat them as absent either way.
type SQLiteStore struct {
	db        *sql.DB
	sweeper   *cron.Cron
	logger    *slog.Logger
	closeOnce sync.Once

	incrStmt *sql.Stmt
	getStmt  *sql.Stmt
	decrStmt *sql.Stmt
}

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	// Path is the path to the SQLite database file.
	Path string

	// SweepSchedule is a cron expression (or "@every ..." descriptor) for
	// purging expired rows. Default: "@every 1m".
	SweepSchedule string

	// Logger receives sweep results. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database file and starts the
// expired-row sweeper.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 1m"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "counters.sqlite")
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", cfg.Path, err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:      db,
		sweeper: cron.New(),
		logger:  cfg.Logger,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	if _, err := store.sweeper.AddFunc(cfg.SweepSchedule, store.sweep); err != nil {
		db.Close()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	store.sweeper.Start()

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS throttle_counters (
		key TEXT NOT NULL PRIMARY KEY,
		value INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_counters_expires_at ON throttle_counters(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.incrStmt, err = s.db.Prepare(`
		INSERT INTO throttle_counters (key, value, expires_at)
		VALUES (?, 1, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE WHEN throttle_counters.expires_at <= ?
				THEN 1
				ELSE throttle_counters.value + 1 END,
			expires_at = excluded.expires_at
		RETURNING value
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare increment statement: %w", err)
	}

	s.getStmt, err = s.db.Prepare(`
		SELECT value FROM throttle_counters
		WHERE key = ? AND expires_at > ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}

	s.decrStmt, err = s.db.Prepare(`
		UPDATE throttle_counters SET value = value - 1
		WHERE key = ? AND value > 0
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare decrement statement: %w", err)
	}

	return nil
}

// IncrementAndGet performs the conditional upsert and returns the
// post-increment value.
func (s *SQLiteStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration, now time.Time) (int64, error) {
	nowMs := now.UnixMilli()
	expiresAt := now.Add(ttl).UnixMilli()

	var value int64
	if err := s.incrStmt.QueryRowContext(ctx, key, expiresAt, nowMs).Scan(&value); err != nil {
		return 0, fmt.Errorf("%w: incrementing %q: %v", ErrUnavailable, key, err)
	}
	return value, nil
}

// Get returns the current counter value, or 0 if absent or expired as
// of now.
func (s *SQLiteStore) Get(ctx context.Context, key string, now time.Time) (int64, error) {
	var value int64
	err := s.getStmt.QueryRowContext(ctx, key, now.UnixMilli()).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: reading %q: %v", ErrUnavailable, key, err)
	}
	return value, nil
}

// Decrement subtracts 1 from the counter, never going below 0.
func (s *SQLiteStore) Decrement(ctx context.Context, key string) error {
	if _, err := s.decrStmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("%w: decrementing %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Close stops the sweeper and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		<-s.sweeper.Stop().Done()
		err = s.db.Close()
	})
	return err
}

// sweep deletes rows whose expiry has passed.
func (s *SQLiteStore) sweep() {
	res, err := s.db.Exec(`DELETE FROM throttle_counters WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		s.logger.Warn("failed to sweep expired counters", "error", err)
		return
	}
	if deleted, err := res.RowsAffected(); err == nil && deleted > 0 {
		s.logger.Debug("swept expired counters", "deleted", deleted)
	}
}
