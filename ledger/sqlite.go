package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	_ "modernc.org/sqlite"

	"wordbounty/native/bounty"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the ledger database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS bounties (
            id TEXT PRIMARY KEY,
            creator TEXT NOT NULL,
            prize TEXT NOT NULL,
            currency TEXT NOT NULL,
            distribution TEXT NOT NULL,
            criteria TEXT NOT NULL,
            participant_cap INTEGER NOT NULL,
            duration_seconds INTEGER NOT NULL,
            status TEXT NOT NULL,
            chain_ref TEXT NOT NULL,
            deposit_tx TEXT NOT NULL DEFAULT '',
            resolution_tx TEXT NOT NULL DEFAULT '',
            resolution TEXT,
            created_at TIMESTAMP NOT NULL,
            started_at TIMESTAMP,
            ends_at TIMESTAMP,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS participations (
            bounty_id TEXT NOT NULL,
            participant TEXT NOT NULL,
            attempts INTEGER NOT NULL DEFAULT 0,
            words_completed INTEGER NOT NULL DEFAULT 0,
            elapsed_ms INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL,
            joined_at TIMESTAMP NOT NULL,
            completed_at TIMESTAMP,
            winner INTEGER NOT NULL DEFAULT 0,
            win_rank INTEGER NOT NULL DEFAULT 0,
            prize_share TEXT,
            unpaid INTEGER NOT NULL DEFAULT 0,
            PRIMARY KEY(bounty_id, participant)
        );`,
		`CREATE TABLE IF NOT EXISTS payments (
            hash TEXT PRIMARY KEY,
            bounty_id TEXT NOT NULL DEFAULT '',
            from_addr TEXT NOT NULL DEFAULT '',
            to_addr TEXT NOT NULL DEFAULT '',
            amount TEXT NOT NULL,
            kind TEXT NOT NULL,
            status TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS bounty_locks (
            bounty_id TEXT PRIMARY KEY,
            owner TEXT NOT NULL,
            acquired_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_bounties_status ON bounties(status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_payments_bounty ON payments(bounty_id);`,
		`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status, created_at);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const bountyColumns = `id, creator, prize, currency, distribution, criteria, participant_cap, duration_seconds, status, chain_ref, deposit_tx, resolution_tx, created_at, started_at, ends_at`

func (s *SQLiteStore) InsertBounty(ctx context.Context, b *bounty.Bounty) error {
	sanitized, err := bounty.SanitizeBounty(b)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO bounties(id, creator, prize, currency, distribution, criteria, participant_cap, duration_seconds, status, chain_ref, deposit_tx, created_at, ends_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		sanitized.ID, sanitized.Creator, sanitized.Prize.String(), sanitized.Currency,
		string(sanitized.Distribution), string(sanitized.Criteria), sanitized.ParticipantCap,
		int64(sanitized.Duration.Seconds()), string(sanitized.Status), sanitized.ChainRef,
		sanitized.DepositTx, sanitized.CreatedAt.UTC(), nullTime(sanitized.EndsAt), time.Now().UTC())
	return err
}

func (s *SQLiteStore) GetBounty(ctx context.Context, id string) (*bounty.Bounty, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id = ?`, id)
	return scanBounty(row)
}

func (s *SQLiteStore) TransitionBounty(ctx context.Context, id string, from, to bounty.Status) error {
	if !bounty.CanTransition(from, to) {
		return fmt.Errorf("ledger: illegal transition %s -> %s", from, to)
	}
	const stmt = `UPDATE bounties SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) MarkBountyActive(ctx context.Context, id string, startedAt, endsAt time.Time) error {
	const stmt = `UPDATE bounties SET status = ?, started_at = ?, ends_at = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(bounty.StatusActive), startedAt.UTC(), endsAt.UTC(), time.Now().UTC(), id, string(bounty.StatusPending))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetResolution(ctx context.Context, id string, winners []bounty.Winner) error {
	payload, err := json.Marshal(winners)
	if err != nil {
		return err
	}
	const stmt = `UPDATE bounties SET status = ?, resolution = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(bounty.StatusResolving), string(payload), time.Now().UTC(), id, string(bounty.StatusActive))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) Resolution(ctx context.Context, id string) ([]bounty.Winner, error) {
	row := s.db.QueryRowContext(ctx, `SELECT resolution FROM bounties WHERE id = ?`, id)
	var payload sql.NullString
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !payload.Valid || payload.String == "" {
		return nil, ErrNotFound
	}
	var winners []bounty.Winner
	if err := json.Unmarshal([]byte(payload.String), &winners); err != nil {
		return nil, err
	}
	return winners, nil
}

func (s *SQLiteStore) SetResolutionTx(ctx context.Context, id, txHash string) error {
	const stmt = `UPDATE bounties SET resolution_tx = ?, updated_at = ? WHERE id = ? AND resolution_tx = ''`
	_, err := s.db.ExecContext(ctx, stmt, txHash, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStore) StuckBounties(ctx context.Context, statuses []bounty.Status, cutoff time.Time) ([]*bounty.Bounty, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + bountyColumns + ` FROM bounties WHERE updated_at < ? AND status IN (?` +
		repeatPlaceholder(len(statuses)-1) + `) ORDER BY updated_at ASC`
	args := make([]interface{}, 0, len(statuses)+1)
	args = append(args, cutoff.UTC())
	for _, st := range statuses {
		args = append(args, string(st))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*bounty.Bounty
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) JoinBounty(ctx context.Context, p *bounty.Participation, cap int) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("ledger: nil participation")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participations WHERE bounty_id = ? AND participant = ?`,
		p.BountyID, p.Participant).Scan(&existing); err != nil {
		return false, err
	}
	if existing > 0 {
		return false, tx.Commit()
	}
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participations WHERE bounty_id = ?`, p.BountyID).Scan(&count); err != nil {
		return false, err
	}
	if cap > 0 && count >= cap {
		return false, ErrCapReached
	}
	const stmt = `INSERT INTO participations(bounty_id, participant, attempts, words_completed, elapsed_ms, status, joined_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(bounty_id, participant) DO NOTHING`
	res, err := tx.ExecContext(ctx, stmt,
		p.BountyID, p.Participant, p.Attempts, p.WordsCompleted, p.Elapsed.Milliseconds(),
		string(p.Status), p.JoinedAt.UTC(), nullTime(p.CompletedAt))
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted > 0, tx.Commit()
}

const participationColumns = `bounty_id, participant, attempts, words_completed, elapsed_ms, status, joined_at, completed_at, winner, win_rank, prize_share, unpaid`

func (s *SQLiteStore) GetParticipation(ctx context.Context, bountyID, participant string) (*bounty.Participation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+participationColumns+` FROM participations WHERE bounty_id = ? AND participant = ?`,
		bountyID, participant)
	return scanParticipation(row)
}

func (s *SQLiteStore) ListParticipations(ctx context.Context, bountyID string) ([]*bounty.Participation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+participationColumns+` FROM participations WHERE bounty_id = ? ORDER BY joined_at ASC, participant ASC`,
		bountyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*bounty.Participation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountParticipations(ctx context.Context, bountyID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participations WHERE bounty_id = ?`, bountyID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) RecordProgress(ctx context.Context, p *bounty.Participation) error {
	if p == nil {
		return fmt.Errorf("ledger: nil participation")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("ledger: invalid participation status %s", p.Status)
	}
	const stmt = `UPDATE participations SET attempts = ?, words_completed = ?, elapsed_ms = ?, status = ?, completed_at = ?
        WHERE bounty_id = ? AND participant = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		p.Attempts, p.WordsCompleted, p.Elapsed.Milliseconds(), string(p.Status),
		nullTime(p.CompletedAt), p.BountyID, p.Participant)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) FinalizeParticipation(ctx context.Context, bountyID, participant string, rank int, share *big.Int, unpaid bool) error {
	shareStr := "0"
	if share != nil {
		shareStr = share.String()
	}
	// A participation already settled as paid is immutable; re-finalizing it
	// is a no-op, not an error, so settlement resumes stay idempotent.
	const stmt = `UPDATE participations SET winner = 1, win_rank = ?, prize_share = ?, unpaid = ?
        WHERE bounty_id = ? AND participant = ? AND NOT (winner = 1 AND unpaid = 0)`
	_, err := s.db.ExecContext(ctx, stmt, rank, shareStr, boolInt(unpaid), bountyID, participant)
	return err
}

func (s *SQLiteStore) InsertPayment(ctx context.Context, p *bounty.Payment) error {
	if p == nil {
		return fmt.Errorf("ledger: nil payment")
	}
	amount := "0"
	if p.Amount != nil {
		amount = p.Amount.String()
	}
	const stmt = `INSERT INTO payments(hash, bounty_id, from_addr, to_addr, amount, kind, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		p.Hash, p.BountyID, p.From, p.To, amount, string(p.Kind), string(p.Status), p.CreatedAt.UTC())
	return err
}

const paymentColumns = `hash, bounty_id, from_addr, to_addr, amount, kind, status, created_at`

func (s *SQLiteStore) GetPayment(ctx context.Context, hash string) (*bounty.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE hash = ?`, hash)
	return scanPayment(row)
}

func (s *SQLiteStore) SettlePayment(ctx context.Context, hash string, status bounty.PaymentStatus) error {
	if status != bounty.PaymentConfirmed && status != bounty.PaymentFailed {
		return fmt.Errorf("ledger: payments settle to confirmed or failed, not %s", status)
	}
	const stmt = `UPDATE payments SET status = ? WHERE hash = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(status), hash, string(bounty.PaymentPending))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) ConfirmedRefund(ctx context.Context, bountyID string) (*bounty.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE bounty_id = ? AND kind = ? AND status = ? ORDER BY created_at ASC LIMIT 1`,
		bountyID, string(bounty.PaymentRefund), string(bounty.PaymentConfirmed))
	return scanPayment(row)
}

func (s *SQLiteStore) PaymentsByBounty(ctx context.Context, bountyID string) ([]*bounty.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE bounty_id = ? ORDER BY created_at ASC, hash ASC`, bountyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

func (s *SQLiteStore) PendingPayments(ctx context.Context, cutoff time.Time) ([]*bounty.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE status = ? AND created_at < ? ORDER BY created_at ASC`,
		string(bounty.PaymentPending), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

func (s *SQLiteStore) AcquireLock(ctx context.Context, bountyID, owner string) (bool, error) {
	const stmt = `INSERT INTO bounty_locks(bounty_id, owner, acquired_at) VALUES (?, ?, ?)
        ON CONFLICT(bounty_id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, stmt, bountyID, owner, time.Now().UTC())
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, bountyID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bounty_locks WHERE bounty_id = ?`, bountyID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBounty(row rowScanner) (*bounty.Bounty, error) {
	var (
		b               bounty.Bounty
		prize           string
		dist, crit, st  string
		durationSeconds int64
		started, ends   sql.NullTime
	)
	err := row.Scan(&b.ID, &b.Creator, &prize, &b.Currency, &dist, &crit, &b.ParticipantCap,
		&durationSeconds, &st, &b.ChainRef, &b.DepositTx, &b.ResolutionTx, &b.CreatedAt, &started, &ends)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(prize, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: invalid prize amount %q", prize)
	}
	b.Prize = amount
	b.Distribution = bounty.Distribution(dist)
	b.Criteria = bounty.Criteria(crit)
	b.Duration = time.Duration(durationSeconds) * time.Second
	b.Status = bounty.Status(st)
	if started.Valid {
		b.StartedAt = started.Time
	}
	if ends.Valid {
		b.EndsAt = ends.Time
	}
	return &b, nil
}

func scanParticipation(row rowScanner) (*bounty.Participation, error) {
	var (
		p         bounty.Participation
		st        string
		elapsedMS int64
		completed sql.NullTime
		winner    int
		share     sql.NullString
		unpaid    int
	)
	err := row.Scan(&p.BountyID, &p.Participant, &p.Attempts, &p.WordsCompleted, &elapsedMS,
		&st, &p.JoinedAt, &completed, &winner, &p.Rank, &share, &unpaid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = bounty.ParticipationStatus(st)
	p.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	if completed.Valid {
		p.CompletedAt = completed.Time
	}
	p.Winner = winner == 1
	p.Unpaid = unpaid == 1
	if share.Valid && share.String != "" {
		amount, ok := new(big.Int).SetString(share.String, 10)
		if !ok {
			return nil, fmt.Errorf("ledger: invalid prize share %q", share.String)
		}
		p.PrizeShare = amount
	}
	return &p, nil
}

func scanPayment(row rowScanner) (*bounty.Payment, error) {
	var (
		p      bounty.Payment
		amount string
		kind   string
		st     string
	)
	err := row.Scan(&p.Hash, &p.BountyID, &p.From, &p.To, &amount, &kind, &st, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	parsed, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: invalid payment amount %q", amount)
	}
	p.Amount = parsed
	p.Kind = bounty.PaymentKind(kind)
	p.Status = bounty.PaymentStatus(st)
	return &p, nil
}

func collectPayments(rows *sql.Rows) ([]*bounty.Payment, error) {
	var out []*bounty.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
