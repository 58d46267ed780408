package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meshivr/meshivr/internal/dialog"
)

// SaveCall stores one finished call history. Saving the same session id
// again replaces the earlier record.
func (db *DB) SaveCall(ctx context.Context, h *dialog.CallHistory) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving call %s: %w", h.SessionID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM calls WHERE session_id = ?`, h.SessionID); err != nil {
		return fmt.Errorf("saving call %s: %w", h.SessionID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO calls (session_id, caller_number, dialed_number, answer_time, hangup_time, completed)
		 VALUES (?, ?, ?, ?, ?, ?)`,
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
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
func (db *DB) GetCall(ctx context.Context, sessionID string) (*dialog.CallHistory, error) {
	h := &dialog.CallHistory{SessionID: sessionID}
	err := db.QueryRowContext(ctx,
		`SELECT caller_number, dialed_number, answer_time, hangup_time, completed
		 FROM calls WHERE session_id = ?`, sessionID).
		Scan(&h.CallerNumber, &h.DialedNumber, &h.AnswerTime, &h.HangupTime, &h.Completed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading call %s: %w", sessionID, err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT name, start_time, end_time, dtmf, dtmf_time, dtmf_bargein,
			asr_utterance, asr_score, asr_level, asr_bargein, asr_bargein_ms,
			record_silence_pct, record_hash_term, is_timeout, is_invalid, is_maxtries
		 FROM call_nodes WHERE session_id = ? ORDER BY seq`, sessionID)
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
func (db *DB) ListCalls(ctx context.Context, limit, offset int) ([]CallSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		`SELECT c.session_id, c.caller_number, c.dialed_number, c.answer_time,
			c.hangup_time, c.completed,
			(SELECT COUNT(*) FROM call_nodes n WHERE n.session_id = c.session_id)
		 FROM calls c ORDER BY c.answer_time DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var out []CallSummary
	for rows.Next() {
		var s CallSummary
		if err := rows.Scan(&s.SessionID, &s.CallerNumber, &s.DialedNumber,
			&s.AnswerTime, &s.HangupTime, &s.Completed, &s.NodeCount); err != nil {
			return nil, fmt.Errorf("listing calls: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CallCount reports the number of stored calls.
func (db *DB) CallCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting calls: %w", err)
	}
	return count, nil
}

// PruneCalls deletes calls that hung up before the cutoff and returns
// how many were removed.
func (db *DB) PruneCalls(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM calls WHERE hangup_time < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning calls: %w", err)
	}
	return res.RowsAffected()
}
