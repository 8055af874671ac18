package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/verigate/internal/domain"
	"github.com/tjfontaine/verigate/internal/storage"
)

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS verifications (
			verification_hash TEXT PRIMARY KEY,
			signature TEXT NOT NULL,
			outcome TEXT NOT NULL,
			verified_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS selection (
			slot INTEGER PRIMARY KEY CHECK (slot = 1),
			wallet_address TEXT NOT NULL,
			session_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS charges (
			id TEXT PRIMARY KEY,
			wallet_address TEXT NOT NULL,
			session_id TEXT NOT NULL,
			payment_method TEXT NOT NULL,
			tx_hash TEXT,
			model_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			error TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_charges_wallet ON charges(wallet_address)`,
		`CREATE INDEX IF NOT EXISTS idx_charges_status ON charges(status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// VerificationStore implementation

func (s *Store) GetVerification(ctx context.Context, hash string) (*storage.VerificationRecord, error) {
	query := `SELECT verification_hash, signature, outcome, verified_at
	          FROM verifications WHERE verification_hash = ?`

	var rec storage.VerificationRecord
	var outcome string

	err := s.db.QueryRowContext(ctx, query, hash).Scan(
		&rec.Hash, &rec.Signature, &outcome, &rec.VerifiedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verification %s: %w", hash, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification: %w", err)
	}

	if err := json.Unmarshal([]byte(outcome), &rec.Outcome); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outcome: %w", err)
	}

	return &rec, nil
}

func (s *Store) SaveVerification(ctx context.Context, rec *storage.VerificationRecord) error {
	if rec.VerifiedAt.IsZero() {
		rec.VerifiedAt = time.Now()
	}

	outcome, err := json.Marshal(rec.Outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	query := `INSERT INTO verifications (verification_hash, signature, outcome, verified_at)
	          VALUES (?, ?, ?, ?)
	          ON CONFLICT(verification_hash) DO UPDATE SET
	            signature=excluded.signature, outcome=excluded.outcome, verified_at=excluded.verified_at`

	if _, err := s.db.ExecContext(ctx, query, rec.Hash, rec.Signature, string(outcome), rec.VerifiedAt); err != nil {
		return fmt.Errorf("failed to save verification: %w", err)
	}

	return nil
}

// SelectionStore implementation

func (s *Store) GetSelection(ctx context.Context) (*storage.Selection, error) {
	query := `SELECT wallet_address, session_id, model_id, updated_at FROM selection WHERE slot = 1`

	var sel storage.Selection
	err := s.db.QueryRowContext(ctx, query).Scan(
		&sel.WalletAddress, &sel.SessionID, &sel.ModelID, &sel.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("selection: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get selection: %w", err)
	}

	return &sel, nil
}

func (s *Store) SetSelection(ctx context.Context, sel *storage.Selection) error {
	sel.UpdatedAt = time.Now()

	query := `INSERT INTO selection (slot, wallet_address, session_id, model_id, updated_at)
	          VALUES (1, ?, ?, ?, ?)
	          ON CONFLICT(slot) DO UPDATE SET
	            wallet_address=excluded.wallet_address, session_id=excluded.session_id,
	            model_id=excluded.model_id, updated_at=excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, sel.WalletAddress, sel.SessionID, sel.ModelID, sel.UpdatedAt); err != nil {
		return fmt.Errorf("failed to set selection: %w", err)
	}

	return nil
}

func (s *Store) ClearSelection(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM selection WHERE slot = 1`); err != nil {
		return fmt.Errorf("failed to clear selection: %w", err)
	}
	return nil
}

// ChargeStore implementation

func (s *Store) RecordCharge(ctx context.Context, c *storage.Charge) error {
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = storage.ChargeUnsettled
	}

	query := `INSERT INTO charges (id, wallet_address, session_id, payment_method, tx_hash,
	            model_id, prompt, error, status, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.WalletAddress, c.SessionID, string(c.Method), nullString(c.TxHash),
		c.ModelID, c.Prompt, nullString(c.Error), string(c.Status), c.CreatedAt, c.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to record charge: %w", err)
	}

	return nil
}

const chargeColumns = `id, wallet_address, session_id, payment_method, tx_hash,
	model_id, prompt, error, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCharge(row rowScanner) (*storage.Charge, error) {
	var c storage.Charge
	var method, status string
	var txHash, errMsg sql.NullString

	if err := row.Scan(&c.ID, &c.WalletAddress, &c.SessionID, &method, &txHash,
		&c.ModelID, &c.Prompt, &errMsg, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}

	c.Method = domain.PaymentMethod(method)
	c.Status = storage.ChargeStatus(status)
	c.TxHash = txHash.String
	c.Error = errMsg.String
	return &c, nil
}

func (s *Store) GetCharge(ctx context.Context, id string) (*storage.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE id = ?`

	c, err := scanCharge(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("charge %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get charge: %w", err)
	}
	return c, nil
}

func (s *Store) ListCharges(ctx context.Context, opts storage.ChargeListOptions) ([]*storage.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE 1=1`
	var args []any

	if opts.WalletAddress != "" {
		query += ` AND wallet_address = ? COLLATE NOCASE`
		args = append(args, opts.WalletAddress)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}

	limit := opts.Limit
	if limit == 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var charges []*storage.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		charges = append(charges, c)
	}

	return charges, rows.Err()
}

func (s *Store) UpdateChargeStatus(ctx context.Context, id string, status storage.ChargeStatus, errMsg string) error {
	query := `UPDATE charges SET status = ?, error = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, string(status), nullString(errMsg), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update charge status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("charge %s: %w", id, storage.ErrNotFound)
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
