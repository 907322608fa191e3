package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"lendflow/internal/disbursement/models"
	"lendflow/internal/platform/postgres"
	id "lendflow/pkg/domain"
	txcontext "lendflow/pkg/platform/tx"
)

// PostgresStore keeps the ledger in the disbursements table. The partial
// unique index on confirmed rows enforces a single payout per contract; the
// service checks for an earlier payout under the application lock before
// creating an attempt.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) querier(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const columns = `id, application_id, contract_id, attempt, amount, reference, bank_account, status,
	failure_reason, provider_ref, requested_by, requested_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, d *models.Disbursement) error {
	account, err := json.Marshal(d.BankAccount)
	if err != nil {
		return fmt.Errorf("encode bank account: %w", err)
	}
	_, err = s.querier(ctx).ExecContext(ctx, `
		INSERT INTO disbursements (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, uuid.UUID(d.ID), uuid.UUID(d.ApplicationID), uuid.UUID(d.ContractID), d.Attempt, d.Amount, d.Reference,
		account, string(d.Status), d.FailureReason, d.ProviderRef, d.RequestedBy, d.RequestedAt,
		sql.NullTime{Time: d.CompletedAt, Valid: !d.CompletedAt.IsZero()})
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("attempt %d for contract %s already exists: %w", d.Attempt, d.ContractID, ErrConflict)
		}
		return fmt.Errorf("insert disbursement: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, d *models.Disbursement) error {
	res, err := s.querier(ctx).ExecContext(ctx, `
		UPDATE disbursements SET status = $2, failure_reason = $3, provider_ref = $4, completed_at = $5
		WHERE id = $1
	`, uuid.UUID(d.ID), string(d.Status), d.FailureReason, d.ProviderRef,
		sql.NullTime{Time: d.CompletedAt, Valid: !d.CompletedAt.IsZero()})
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("contract %s is already paid out: %w", d.ContractID, ErrConflict)
		}
		return fmt.Errorf("update disbursement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update disbursement: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("disbursement %s: %w", d.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListByApplication(ctx context.Context, appID id.ApplicationID) ([]*models.Disbursement, error) {
	return s.query(ctx, `SELECT `+columns+` FROM disbursements WHERE application_id = $1
		ORDER BY contract_id, attempt`, uuid.UUID(appID))
}

func (s *PostgresStore) ListByContract(ctx context.Context, contractID id.ContractID) ([]*models.Disbursement, error) {
	return s.query(ctx, `SELECT `+columns+` FROM disbursements WHERE contract_id = $1 ORDER BY attempt`,
		uuid.UUID(contractID))
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*models.Disbursement, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query disbursements: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Disbursement, 0)
	for rows.Next() {
		var (
			d                      models.Disbursement
			dID, appID, contractID uuid.UUID
			account                []byte
			status                 string
			completed              sql.NullTime
		)
		if err := rows.Scan(&dID, &appID, &contractID, &d.Attempt, &d.Amount, &d.Reference, &account, &status,
			&d.FailureReason, &d.ProviderRef, &d.RequestedBy, &d.RequestedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan disbursement: %w", err)
		}
		if err := json.Unmarshal(account, &d.BankAccount); err != nil {
			return nil, fmt.Errorf("decode disbursement %s account: %w", dID, err)
		}
		d.ID = id.DisbursementID(dID)
		d.ApplicationID = id.ApplicationID(appID)
		d.ContractID = id.ContractID(contractID)
		d.Status = models.Status(status)
		d.CompletedAt = completed.Time
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate disbursements: %w", err)
	}
	return out, nil
}
