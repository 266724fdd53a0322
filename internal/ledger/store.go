// Package ledger is the durable record of every signal seen and every
// order derived from one. The stream client reads it for dedup; the order
// state machine writes every transition through it and replays non-closed
// records on restart. Writes are append-before-effect: the intent row is
// committed before any submission is attempted.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/selftrade/agent/internal/model"
	"github.com/selftrade/agent/internal/telemetry"

	_ "modernc.org/sqlite"
)

// ErrDuplicateSignal is returned by CreateIntent when an intent already
// exists for the signal id. The UNIQUE constraint on intents.signal_id is
// the one-intent-per-signal invariant.
var ErrDuplicateSignal = errors.New("intent already exists for signal")

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("ledger: not found")

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}

	var signals, open int64
	db.QueryRow(`SELECT COUNT(*) FROM signals`).Scan(&signals)
	db.QueryRow(`SELECT COUNT(*) FROM executions WHERE state != 'CLOSED'`).Scan(&open)

	telemetry.Plainf("ledger: opened %s  signals=%d  open_executions=%d", path, signals, open)
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	id          TEXT PRIMARY KEY,
	pair        TEXT NOT NULL,
	side        TEXT NOT NULL,
	emitted_at  TEXT NOT NULL,
	received_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS intents (
	id         TEXT PRIMARY KEY,
	signal_id  TEXT NOT NULL UNIQUE REFERENCES signals(id),
	pair       TEXT NOT NULL,
	side       TEXT NOT NULL,
	qty        REAL NOT NULL,
	price      REAL NOT NULL,
	order_type TEXT NOT NULL,
	stop_loss  REAL NOT NULL DEFAULT 0,
	risk_pct   REAL NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
	intent_id         TEXT PRIMARY KEY REFERENCES intents(id),
	exchange_order_id TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL,
	attempts          INTEGER NOT NULL DEFAULT 0,
	last_code         TEXT NOT NULL DEFAULT '',
	result            TEXT NOT NULL DEFAULT '',
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	intent_id  TEXT NOT NULL REFERENCES intents(id),
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	note       TEXT NOT NULL DEFAULT '',
	at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_intent ON execution_transitions(intent_id);
CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state);
`

// SeenSignal reports whether a signal id has ever been recorded.
func (s *Store) SeenSignal(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRow(`SELECT 1 FROM signals WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seen signal: %w", err)
	}
	return true, nil
}

// RecordSignal stores a signal id. Recording the same id twice is a no-op,
// which keeps redelivered signals from erroring the stream.
func (s *Store) RecordSignal(sig model.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO signals (id, pair, side, emitted_at, received_at) VALUES (?, ?, ?, ?, ?)`,
		sig.ID, sig.Pair, string(sig.Side), sig.EmittedAt.UTC().Format(time.RFC3339Nano),
		sig.ReceivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record signal: %w", err)
	}
	return nil
}

// CreateIntent persists an intent and its Created execution record in one
// transaction, before any submission is attempted. A second intent for the
// same signal id fails with ErrDuplicateSignal.
func (s *Store) CreateIntent(intent model.OrderIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = tx.Exec(
		`INSERT INTO intents (id, signal_id, pair, side, qty, price, order_type, stop_loss, risk_pct, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID, intent.SignalID, intent.Pair, string(intent.Side), intent.Qty, intent.Price,
		string(intent.Type), intent.StopLoss, intent.RiskPct,
		intent.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateSignal
		}
		return fmt.Errorf("insert intent: %w", err)
	}

	if _, err = tx.Exec(
		`INSERT INTO executions (intent_id, state, updated_at) VALUES (?, ?, ?)`,
		intent.ID, string(model.StateCreated), now,
	); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	if _, err = tx.Exec(
		`INSERT INTO execution_transitions (intent_id, from_state, to_state, note, at) VALUES (?, '', ?, 'intent persisted', ?)`,
		intent.ID, string(model.StateCreated), now,
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	return tx.Commit()
}

// AppendTransition records a state change: the execution row is updated and
// the transition appended to the history in one transaction.
func (s *Store) AppendTransition(rec model.ExecutionRecord, from model.OrderState, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := tx.Exec(
		`UPDATE executions SET exchange_order_id = ?, state = ?, attempts = ?, last_code = ?, result = ?, updated_at = ?
		 WHERE intent_id = ?`,
		rec.ExchangeOrderID, string(rec.State), rec.Attempts, rec.LastCode, rec.Result, now, rec.IntentID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err = tx.Exec(
		`INSERT INTO execution_transitions (intent_id, from_state, to_state, note, at) VALUES (?, ?, ?, ?, ?)`,
		rec.IntentID, string(from), string(rec.State), note, now,
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	return tx.Commit()
}

// Execution returns the current execution record for an intent.
func (s *Store) Execution(intentID string) (model.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanExecution(s.db.QueryRow(
		`SELECT intent_id, exchange_order_id, state, attempts, last_code, result, updated_at
		 FROM executions WHERE intent_id = ?`, intentID))
}

// OpenExecutions returns every non-closed execution record, oldest first.
// Used by restart reconciliation.
func (s *Store) OpenExecutions() ([]model.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT intent_id, exchange_order_id, state, attempts, last_code, result, updated_at
		 FROM executions WHERE state != 'CLOSED' ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("open executions: %w", err)
	}
	defer rows.Close()

	var recs []model.ExecutionRecord
	for rows.Next() {
		rec, err := s.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Intent returns a persisted intent by id.
func (s *Store) Intent(id string) (model.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var intent model.OrderIntent
	var side, otype, createdAt string
	err := s.db.QueryRow(
		`SELECT id, signal_id, pair, side, qty, price, order_type, stop_loss, risk_pct, created_at
		 FROM intents WHERE id = ?`, id,
	).Scan(&intent.ID, &intent.SignalID, &intent.Pair, &side, &intent.Qty, &intent.Price,
		&otype, &intent.StopLoss, &intent.RiskPct, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OrderIntent{}, ErrNotFound
	}
	if err != nil {
		return model.OrderIntent{}, fmt.Errorf("load intent: %w", err)
	}
	intent.Side = model.Side(side)
	intent.Type = model.OrderType(otype)
	intent.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return intent, nil
}

// Transitions returns the full transition history for an intent, in order.
func (s *Store) Transitions(intentID string) ([][2]model.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT from_state, to_state FROM execution_transitions WHERE intent_id = ? ORDER BY id ASC`, intentID)
	if err != nil {
		return nil, fmt.Errorf("transitions: %w", err)
	}
	defer rows.Close()

	var out [][2]model.OrderState
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		out = append(out, [2]model.OrderState{model.OrderState(from), model.OrderState(to)})
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanExecution(row rowScanner) (model.ExecutionRecord, error) {
	var rec model.ExecutionRecord
	var state, updatedAt string
	err := row.Scan(&rec.IntentID, &rec.ExchangeOrderID, &state, &rec.Attempts,
		&rec.LastCode, &rec.Result, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ExecutionRecord{}, ErrNotFound
	}
	if err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("scan execution: %w", err)
	}
	rec.State = model.OrderState(state)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
