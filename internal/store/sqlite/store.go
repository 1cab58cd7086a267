// Package sqlite persists bets, credits, disputes and the audit log in an embedded
// SQLite database (pure Go driver, no cgo). It backs single-node deployments
// and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/stakecourt/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS bets (
    id          INTEGER PRIMARY KEY,
    proposer    TEXT    NOT NULL,
    arbitrator  TEXT    NOT NULL,
    status      TEXT    NOT NULL,
    snapshot    TEXT    NOT NULL,
    resolved_ns INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_bets_status ON bets(status, resolved_ns);

CREATE TABLE IF NOT EXISTS credits (
    address TEXT PRIMARY KEY,
    amount  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS disputes (
    arbitrator      TEXT    NOT NULL,
    id              INTEGER NOT NULL,
    choices         INTEGER NOT NULL,
    fees            TEXT    NOT NULL,
    ruling          INTEGER NOT NULL,
    status          TEXT    NOT NULL,
    appeals         INTEGER NOT NULL,
    appeal_start_ns INTEGER NOT NULL DEFAULT 0,
    appeal_end_ns   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (arbitrator, id)
);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT    NOT NULL,
    detail     TEXT,
    created_ns INTEGER NOT NULL
);
`

// Store implements the bet, credit, dispute and audit stores.
type Store struct {
	db *sql.DB
}

var (
	_ domain.BetStore     = (*Store)(nil)
	_ domain.CreditStore  = (*Store)(nil)
	_ domain.AuditStore   = (*Store)(nil)
	_ domain.DisputeStore = (*Store)(nil)
)

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save inserts or replaces the snapshot of bet.
func (s *Store) Save(ctx context.Context, bet *domain.Bet) error {
	snapshot, err := json.Marshal(bet)
	if err != nil {
		return fmt.Errorf("sqlite: marshal bet %d: %w", bet.ID, err)
	}
	var resolved int64
	if !bet.ResolvedAt.IsZero() {
		resolved = bet.ResolvedAt.UnixNano()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bets (id, proposer, arbitrator, status, snapshot, resolved_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			snapshot = excluded.snapshot,
			resolved_ns = excluded.resolved_ns`,
		int64(bet.ID), bet.Proposer.Hex(), bet.Arbitrator.Hex(), bet.Status.String(), string(snapshot), resolved,
	)
	if err != nil {
		return fmt.Errorf("sqlite: save bet %d: %w", bet.ID, err)
	}
	return nil
}

// Get returns the bet with the given id.
func (s *Store) Get(ctx context.Context, id uint64) (*domain.Bet, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM bets WHERE id = ?`, int64(id)).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: get bet %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get bet %d: %w", id, err)
	}
	return decodeBet(snapshot)
}

// ListAll returns every bet ordered by id.
func (s *Store) ListAll(ctx context.Context) ([]*domain.Bet, error) {
	return s.queryBets(ctx, `SELECT snapshot FROM bets ORDER BY id`)
}

// ListResolvedBefore returns resolved bets whose resolution precedes before.
func (s *Store) ListResolvedBefore(ctx context.Context, before time.Time) ([]*domain.Bet, error) {
	return s.queryBets(ctx,
		`SELECT snapshot FROM bets WHERE status = ? AND resolved_ns > 0 AND resolved_ns < ? ORDER BY id`,
		domain.StatusResolved.String(), before.UnixNano(),
	)
}

// Delete removes a bet snapshot.
func (s *Store) Delete(ctx context.Context, id uint64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bets WHERE id = ?`, int64(id)); err != nil {
		return fmt.Errorf("sqlite: delete bet %d: %w", id, err)
	}
	return nil
}

func (s *Store) queryBets(ctx context.Context, query string, args ...any) ([]*domain.Bet, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query bets: %w", err)
	}
	defer rows.Close()

	var bets []*domain.Bet
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("sqlite: scan bet: %w", err)
		}
		bet, err := decodeBet(snapshot)
		if err != nil {
			return nil, err
		}
		bets = append(bets, bet)
	}
	return bets, rows.Err()
}

func decodeBet(snapshot string) (*domain.Bet, error) {
	var bet domain.Bet
	if err := json.Unmarshal([]byte(snapshot), &bet); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal bet: %w", err)
	}
	return &bet, nil
}

// Set records the credit owed to addr; a zero amount removes the row.
func (s *Store) Set(ctx context.Context, addr common.Address, amount uint256.Int) error {
	var err error
	if amount.IsZero() {
		_, err = s.db.ExecContext(ctx, `DELETE FROM credits WHERE address = ?`, addr.Hex())
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO credits (address, amount) VALUES (?, ?)
			ON CONFLICT(address) DO UPDATE SET amount = excluded.amount`,
			addr.Hex(), amount.Dec(),
		)
	}
	if err != nil {
		return fmt.Errorf("sqlite: set credit %s: %w", addr.Hex(), err)
	}
	return nil
}

// All returns every outstanding credit.
func (s *Store) All(ctx context.Context) (map[common.Address]uint256.Int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, amount FROM credits`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list credits: %w", err)
	}
	defer rows.Close()

	out := make(map[common.Address]uint256.Int)
	for rows.Next() {
		var addr, amount string
		if err := rows.Scan(&addr, &amount); err != nil {
			return nil, fmt.Errorf("sqlite: scan credit: %w", err)
		}
		v, err := uint256.FromDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("sqlite: credit %s amount %q: %w", addr, amount, err)
		}
		out[common.HexToAddress(addr)] = *v
	}
	return out, rows.Err()
}

// SaveDispute inserts or replaces an arbitrator's dispute.
func (s *Store) SaveDispute(ctx context.Context, rec domain.DisputeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (arbitrator, id, choices, fees, ruling, status, appeals, appeal_start_ns, appeal_end_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(arbitrator, id) DO UPDATE SET
			fees = excluded.fees,
			ruling = excluded.ruling,
			status = excluded.status,
			appeals = excluded.appeals,
			appeal_start_ns = excluded.appeal_start_ns,
			appeal_end_ns = excluded.appeal_end_ns`,
		rec.Arbitrator.Hex(), int64(rec.ID), int64(rec.Choices), rec.Fees.Dec(), int64(rec.Ruling),
		rec.Status, rec.Appeals, unixNano(rec.AppealStart), unixNano(rec.AppealEnd),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save dispute %d: %w", rec.ID, err)
	}
	return nil
}

// ListDisputes returns every dispute of arbitrator ordered by id.
func (s *Store) ListDisputes(ctx context.Context, arbitrator common.Address) ([]domain.DisputeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, choices, fees, ruling, status, appeals, appeal_start_ns, appeal_end_ns
		FROM disputes WHERE arbitrator = ? ORDER BY id`,
		arbitrator.Hex(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list disputes: %w", err)
	}
	defer rows.Close()

	var out []domain.DisputeRecord
	for rows.Next() {
		var (
			id, choices, ruling int64
			fees                string
			start, end          int64
		)
		rec := domain.DisputeRecord{Arbitrator: arbitrator}
		if err := rows.Scan(&id, &choices, &fees, &ruling, &rec.Status, &rec.Appeals, &start, &end); err != nil {
			return nil, fmt.Errorf("sqlite: scan dispute: %w", err)
		}
		v, err := uint256.FromDecimal(fees)
		if err != nil {
			return nil, fmt.Errorf("sqlite: dispute %d fees %q: %w", id, fees, err)
		}
		rec.ID = domain.DisputeID(id)
		rec.Choices = uint64(choices)
		rec.Fees = *v
		rec.Ruling = domain.Ruling(ruling)
		rec.AppealStart = fromUnixNano(start)
		rec.AppealEnd = fromUnixNano(end)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Log appends an audit entry.
func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_ns) VALUES (?, ?, ?)`,
		event, string(detailJSON), time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries, newest first.
func (s *Store) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_ns FROM audit_log WHERE 1=1`
	var args []any
	if opts.Since != nil {
		query += ` AND created_ns >= ?`
		args = append(args, opts.Since.UnixNano())
	}
	if opts.Until != nil {
		query += ` AND created_ns <= ?`
		args = append(args, opts.Until.UnixNano())
	}
	query += ` ORDER BY id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			detail sql.NullString
			ns     int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &ns); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		e.CreatedAt = time.Unix(0, ns).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
