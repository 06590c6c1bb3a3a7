// Package sqlite persists the security log snapshot in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
)

// Store implements securitylog.Storage on SQLite.
type Store struct {
	db      *sql.DB
	dsn     string
	maxRows int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxRows caps the total number of rows a snapshot may hold. Larger
// snapshots are rejected with securitylog.ErrQuotaExceeded.
func WithMaxRows(n int) Option {
	return func(s *Store) { s.maxRows = n }
}

// NewStore opens the database at dsn. Call ApplyMigrations before use.
func NewStore(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory:
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	s := &Store{db: db, dsn: dsn}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx executes fn within a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Save replaces the stored snapshot.
func (s *Store) Save(ctx context.Context, snap securitylog.Snapshot) error {
	rows := len(snap.Logs) + len(snap.Threats) + len(snap.FailedAuth)
	if s.maxRows > 0 && rows > s.maxRows {
		return fmt.Errorf("snapshot has %d rows, quota %d: %w", rows, s.maxRows, securitylog.ErrQuotaExceeded)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"security_logs", "threats", "failed_auth"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}

		for _, e := range snap.Logs {
			meta, err := encodeMap(e.Metadata)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO security_logs (id, ts, type, message, metadata) VALUES (?, ?, ?, ?, ?)`,
				e.ID, e.Timestamp.UnixNano(), string(e.Type), e.Message, meta); err != nil {
				return err
			}
		}

		for _, th := range snap.Threats {
			details, err := encodeMap(th.Details)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO threats (id, ts, type, severity, details, session_id) VALUES (?, ?, ?, ?, ?, ?)`,
				th.ID, th.Timestamp.UnixNano(), string(th.Type), string(th.Severity), details, th.SessionID); err != nil {
				return err
			}
		}

		for _, a := range snap.FailedAuth {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO failed_auth (id, ts, masked_credential, store_context, error, session_id) VALUES (?, ?, ?, ?, ?, ?)`,
				a.ID, a.Timestamp.UnixNano(), a.MaskedCredential, a.StoreContext, a.Error, a.SessionID); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot_meta (id, saved_at) VALUES (1, ?)
			 ON CONFLICT(id) DO UPDATE SET saved_at = excluded.saved_at`,
			time.Now().UnixNano())
		return err
	})
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the stored snapshot, or securitylog.ErrNotFound when nothing
// has been saved yet.
func (s *Store) Load(ctx context.Context) (securitylog.Snapshot, error) {
	var savedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT saved_at FROM snapshot_meta WHERE id = 1`).Scan(&savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return securitylog.Snapshot{}, securitylog.ErrNotFound
	}
	if err != nil {
		return securitylog.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}

	var snap securitylog.Snapshot
	if snap.Logs, err = s.loadLogs(ctx); err != nil {
		return securitylog.Snapshot{}, err
	}
	if snap.Threats, err = s.loadThreats(ctx); err != nil {
		return securitylog.Snapshot{}, err
	}
	if snap.FailedAuth, err = s.loadFailedAuth(ctx); err != nil {
		return securitylog.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) loadLogs(ctx context.Context) ([]securitylog.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, ts, type, message, metadata FROM security_logs ORDER BY ts, id`)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []securitylog.LogEntry
	for rows.Next() {
		var (
			e    securitylog.LogEntry
			ts   int64
			typ  string
			meta string
		)
		if err := rows.Scan(&e.ID, &ts, &typ, &e.Message, &meta); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Type = securitylog.EntryType(typ)
		if e.Metadata, err = decodeMap(meta); err != nil {
			return nil, fmt.Errorf("decode log metadata %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) loadThreats(ctx context.Context) ([]securitylog.ThreatEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, ts, type, severity, details, session_id FROM threats ORDER BY ts, id`)
	if err != nil {
		return nil, fmt.Errorf("query threats: %w", err)
	}
	defer rows.Close()

	var out []securitylog.ThreatEntry
	for rows.Next() {
		var (
			th       securitylog.ThreatEntry
			ts       int64
			typ, sev string
			details  string
		)
		if err := rows.Scan(&th.ID, &ts, &typ, &sev, &details, &th.SessionID); err != nil {
			return nil, fmt.Errorf("scan threat: %w", err)
		}
		th.Timestamp = time.Unix(0, ts).UTC()
		th.Type = securitylog.ThreatType(typ)
		th.Severity = securitylog.Severity(sev)
		if th.Details, err = decodeMap(details); err != nil {
			return nil, fmt.Errorf("decode threat details %s: %w", th.ID, err)
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

func (s *Store) loadFailedAuth(ctx context.Context) ([]securitylog.FailedAuthAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, masked_credential, store_context, error, session_id FROM failed_auth ORDER BY ts, id`)
	if err != nil {
		return nil, fmt.Errorf("query failed auth: %w", err)
	}
	defer rows.Close()

	var out []securitylog.FailedAuthAttempt
	for rows.Next() {
		var (
			a  securitylog.FailedAuthAttempt
			ts int64
		)
		if err := rows.Scan(&a.ID, &ts, &a.MaskedCredential, &a.StoreContext, &a.Error, &a.SessionID); err != nil {
			return nil, fmt.Errorf("scan failed auth: %w", err)
		}
		a.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func encodeMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode map: %w", err)
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

var _ securitylog.Storage = (*Store)(nil)
