package contextstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresPropertyTableName = "ticketbridge_properties"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresPropertyStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresPropertyStore(dsn string) (*PostgresPropertyStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresPropertyStore{
		dsn:       dsn,
		tableName: postgresPropertyTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresPropertyStore) Get(ctx context.Context, jobID, key string) (string, bool, error) {
	if s == nil {
		return "", false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT property_value FROM %s WHERE job_id = $1 AND property_key = $2",
		postgresQuoteIdentifier(s.tableName),
	)
	var value string
	err := s.db.QueryRowContext(ctx, query, jobID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *PostgresPropertyStore) Set(ctx context.Context, jobID, key, value string) error {
	if s == nil {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (job_id, property_key, property_value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (job_id, property_key)
		DO UPDATE SET property_value = EXCLUDED.property_value, updated_at = NOW()`,
		postgresQuoteIdentifier(s.tableName),
	)
	_, err := s.db.ExecContext(ctx, query, jobID, key, value)
	return err
}

func (s *PostgresPropertyStore) Delete(ctx context.Context, jobID, key string) error {
	if s == nil {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE job_id = $1 AND property_key = $2",
		postgresQuoteIdentifier(s.tableName),
	)
	_, err := s.db.ExecContext(ctx, query, jobID, key)
	return err
}

func (s *PostgresPropertyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresPropertyStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				job_id TEXT NOT NULL,
				property_key TEXT NOT NULL,
				property_value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (job_id, property_key)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresJobLockKey(tableName, jobID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(jobID)))
	return int64(hasher.Sum64())
}

// AcquireJobLock takes a session-scoped advisory lock for the job identifier,
// so two standalone invocations of the same job cannot interleave a cycle.
// The returned release function must be called when the cycle ends.
func (s *PostgresPropertyStore) AcquireJobLock(ctx context.Context, jobID string) (func(), error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	lockKey := postgresJobLockKey(s.tableName, jobID)
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockKey); err != nil {
		_ = conn.Close()
		return nil, err
	}
	release := func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		_, _ = conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", lockKey)
		_ = conn.Close()
	}
	return release, nil
}
