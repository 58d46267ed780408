// Package pgstore is the PostgreSQL backend of the call-history store,
// selected when the daemon is given a postgres:// database URL.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/meshivr/meshivr/internal/database"
	"github.com/meshivr/meshivr/internal/dialog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements database.Store on PostgreSQL through the pgx driver.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

var _ database.Store = (*Store)(nil)

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, log: logger.With("component", "database")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.log.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		s.log.Info("applied migration", "version", version)
	}
	return nil
}

// SaveCall stores one finished call history, replacing any earlier
// record for the same session id.
func (s *Store) SaveCall(ctx context.Context, h *dialog.CallHistory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving call %s: %w", h.SessionID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM calls WHERE session_id = $1`, h.SessionID); err != nil {
		return fmt.Errorf("saving call %s: %w", h.SessionID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO calls (session_id, caller_number, dialed_number, answer_time, hangup_time, completed)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		h.SessionID, h.CallerNumber, h.DialedNumber,
		h.AnswerTime.UTC(), h.HangupTime.UTC(), h.Completed); err != nil {
		return fmt.Errorf("saving call %s: %w", h.SessionID, err)
	}

	for seq, n := range h.Nodes {
		var dtmfTime any
		if !n.DTMFTime.IsZero() {
			dtmfTime = n.DTMFTime.UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO call_nodes (session_id, seq, name, start_time, end_time,
				dtmf, dtmf_time, dtmf_bargein,
				asr_utterance, asr_score, asr_level, asr_bargein, asr_bargein_ms,
				record_silence_pct, record_hash_term,
				is_timeout, is_invalid, is_maxtries)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			h.SessionID, seq, n.Name, n.StartTime.UTC(), n.EndTime.UTC(),
			n.DTMF, dtmfTime, n.DTMFBargeIn,
			n.ASRUtterance, n.ASRScore, n.ASRLevel, n.ASRBargeIn, n.ASRBargeInMillis,
			n.RecordSilencePct, n.RecordHashTerminated,
			n.IsTimeout, n.IsInvalid, n.IsMaxTries); err != nil {
			return fmt.Errorf("saving call %s node %d: %w", h.SessionID, seq, err)
		}
	}
	return tx.Commit()
}

// GetCall loads one call history with its full node trail.
func (s *Store) GetCall(ctx context.Context, sessionID string) (*dialog.CallHistory, error) {
	h := &dialog.CallHistory{SessionID: sessionID}
	err := s.db.QueryRowContext(ctx,
		`SELECT caller_number, dialed_number, answer_time, hangup_time, completed
		 FROM calls WHERE session_id = $1`, sessionID).
		Scan(&h.CallerNumber, &h.DialedNumber, &h.AnswerTime, &h.HangupTime, &h.Completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading call %s: %w", sessionID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, start_time, end_time, dtmf, dtmf_time, dtmf_bargein,
			asr_utterance, asr_score, asr_level, asr_bargein, asr_bargein_ms,
			record_silence_pct, record_hash_term, is_timeout, is_invalid, is_maxtries
		 FROM call_nodes WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading call %s nodes: %w", sessionID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			n        dialog.NodeRecord
			dtmfTime sql.NullTime
		)
		if err := rows.Scan(&n.Name, &n.StartTime, &n.EndTime,
			&n.DTMF, &dtmfTime, &n.DTMFBargeIn,
			&n.ASRUtterance, &n.ASRScore, &n.ASRLevel, &n.ASRBargeIn, &n.ASRBargeInMillis,
			&n.RecordSilencePct, &n.RecordHashTerminated,
			&n.IsTimeout, &n.IsInvalid, &n.IsMaxTries); err != nil {
			return nil, fmt.Errorf("loading call %s nodes: %w", sessionID, err)
		}
		if dtmfTime.Valid {
			n.DTMFTime = dtmfTime.Time
		}
		h.Nodes = append(h.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading call %s nodes: %w", sessionID, err)
	}
	return h, nil
}

// ListCalls returns call summaries, most recent first.
func (s *Store) ListCalls(ctx context.Context, limit, offset int) ([]database.CallSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.session_id, c.caller_number, c.dialed_number, c.answer_time,
			c.hangup_time, c.completed,
			(SELECT COUNT(*) FROM call_nodes n WHERE n.session_id = c.session_id)
		 FROM calls c ORDER BY c.answer_time DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var out []database.CallSummary
	for rows.Next() {
		var cs database.CallSummary
		if err := rows.Scan(&cs.SessionID, &cs.CallerNumber, &cs.DialedNumber,
			&cs.AnswerTime, &cs.HangupTime, &cs.Completed, &cs.NodeCount); err != nil {
			return nil, fmt.Errorf("listing calls: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// CallCount reports the number of stored calls.
func (s *Store) CallCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting calls: %w", err)
	}
	return count, nil
}
