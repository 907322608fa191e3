package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"lendflow/internal/affordability"
	"lendflow/internal/application/models"
	"lendflow/internal/platform/postgres"
	id "lendflow/pkg/domain"
	txcontext "lendflow/pkg/platform/tx"
)

// PostgresStore persists applications in PostgreSQL. Execute locks the row
// with SELECT ... FOR UPDATE and commits with a version compare-and-set.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) querier(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const applicationColumns = `id, applicant, requested_amount, term_months, annual_rate, channel, bank_account,
	income, expenses, state, decline_reason, terms, snapshot_ids, override, contract_id, transitions,
	version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, app *models.Application) error {
	app.Version = 1
	args, err := applicationArgs(app)
	if err != nil {
		return err
	}
	_, err = s.querier(ctx).ExecContext(ctx, `
		INSERT INTO applications (`+applicationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, args...)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("application %s already exists: %w", app.ID, ErrConflict)
		}
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, appID id.ApplicationID) (*models.Application, error) {
	row := s.querier(ctx).QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, uuid.UUID(appID))
	return scanApplication(row)
}

func (s *PostgresStore) ListByState(ctx context.Context, states []models.State, limit int) ([]*models.Application, error) {
	if limit <= 0 {
		limit = 1000
	}
	if len(states) == 0 {
		return s.queryApplications(ctx, `SELECT `+applicationColumns+` FROM applications
			ORDER BY created_at LIMIT $1`, limit)
	}
	return s.queryApplications(ctx, `SELECT `+applicationColumns+` FROM applications
		WHERE state = ANY($1::text[]) ORDER BY created_at LIMIT $2`, pq.Array(stateNames(states)), limit)
}

func (s *PostgresStore) ListIdleSince(ctx context.Context, states []models.State, cutoff time.Time, limit int) ([]*models.Application, error) {
	return s.queryApplications(ctx, `SELECT `+applicationColumns+` FROM applications
		WHERE state = ANY($1::text[]) AND updated_at < $2 ORDER BY updated_at LIMIT $3`,
		pq.Array(stateNames(states)), cutoff, limit)
}

func (s *PostgresStore) queryApplications(ctx context.Context, query string, args ...any) ([]*models.Application, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Application, 0)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applications: %w", err)
	}
	return out, nil
}

// Execute runs validate and mutate against the row locked FOR UPDATE. It joins
// the transaction carried by ctx or opens its own.
func (s *PostgresStore) Execute(ctx context.Context, appID id.ApplicationID, validate func(*models.Application) error, mutate func(*models.Application)) (*models.Application, error) {
	if _, ok := txcontext.From(ctx); ok {
		return s.execute(ctx, appID, validate, mutate)
	}

	var result *models.Application
	err := txcontext.SQLRunner{DB: s.db}.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.execute(ctx, appID, validate, mutate)
		return err
	})
	return result, err
}

func (s *PostgresStore) execute(ctx context.Context, appID id.ApplicationID, validate func(*models.Application) error, mutate func(*models.Application)) (*models.Application, error) {
	q := s.querier(ctx)
	app, err := scanApplication(q.QueryRowContext(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE id = $1 FOR UPDATE`, uuid.UUID(appID)))
	if err != nil {
		return nil, err
	}
	if err := validate(app); err != nil {
		return nil, err
	}
	mutate(app)

	expected := app.Version
	app.Version++
	args, err := applicationArgs(app)
	if err != nil {
		return nil, err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE applications SET
			applicant = $2, requested_amount = $3, term_months = $4, annual_rate = $5, channel = $6,
			bank_account = $7, income = $8, expenses = $9, state = $10, decline_reason = $11, terms = $12,
			snapshot_ids = $13, override = $14, contract_id = $15, transitions = $16, version = $17,
			created_at = $18, updated_at = $19
		WHERE id = $1 AND version = $20
	`, append(args, expected)...)
	if err != nil {
		return nil, fmt.Errorf("update application: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update application: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("application %s changed concurrently: %w", appID, ErrConflict)
	}
	return app, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *affordability.Snapshot) error {
	_, err := s.querier(ctx).ExecContext(ctx, `
		INSERT INTO affordability_snapshots (id, application_id, monthly_income, monthly_expenses,
			disposable_income, debt_to_income, ratio_ceiling, installment_cap, max_affordable_amount,
			proposed_payment, can_afford, assessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, uuid.UUID(snap.ID), uuid.UUID(snap.ApplicationID), snap.MonthlyIncome, snap.MonthlyExpenses,
		snap.DisposableIncome, snap.DebtToIncomeRatio, snap.RatioCeiling, snap.InstallmentCap,
		snap.MaxAffordableAmount, snap.ProposedPayment, snap.CanAfford, snap.AssessedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("snapshot %s already exists: %w", snap.ID, ErrConflict)
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = `id, application_id, monthly_income, monthly_expenses, disposable_income,
	debt_to_income, ratio_ceiling, installment_cap, max_affordable_amount, proposed_payment,
	can_afford, assessed_at`

func (s *PostgresStore) FindSnapshot(ctx context.Context, snapshotID id.SnapshotID) (*affordability.Snapshot, error) {
	row := s.querier(ctx).QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM affordability_snapshots WHERE id = $1`, uuid.UUID(snapshotID))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotFound)
	}
	return snap, err
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, appID id.ApplicationID) ([]*affordability.Snapshot, error) {
	rows, err := s.querier(ctx).QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM affordability_snapshots WHERE application_id = $1 ORDER BY assessed_at`,
		uuid.UUID(appID))
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []*affordability.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApplication(row scanner) (*models.Application, error) {
	var (
		app                                                         models.Application
		appID                                                       uuid.UUID
		contractID                                                  uuid.NullUUID
		applicant, account, income, expenses, snapshots, transition []byte
		terms, override                                             []byte
		state, channel, decline                                     string
	)
	err := row.Scan(&appID, &applicant, &app.RequestedAmount, &app.TermMonths, &app.AnnualRatePercent,
		&channel, &account, &income, &expenses, &state, &decline, &terms, &snapshots, &override,
		&contractID, &transition, &app.Version, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("application: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("scan application: %w", err)
	}
	app.ID = id.ApplicationID(appID)
	app.State = models.State(state)
	app.Channel = models.Channel(channel)
	app.DeclineReason = models.DeclineReason(decline)
	if contractID.Valid {
		app.ContractID = id.ContractID(contractID.UUID)
	}

	decode := []struct {
		raw  []byte
		into any
	}{
		{applicant, &app.Applicant},
		{account, &app.BankAccount},
		{income, &app.Income},
		{expenses, &app.Expenses},
		{snapshots, &app.SnapshotIDs},
		{transition, &app.Transitions},
		{terms, &app.Terms},
		{override, &app.Override},
	}
	for _, d := range decode {
		if len(d.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(d.raw, d.into); err != nil {
			return nil, fmt.Errorf("decode application %s: %w", app.ID, err)
		}
	}
	return &app, nil
}

func applicationArgs(app *models.Application) ([]any, error) {
	encoded := make([][]byte, 0, 8)
	for _, v := range []any{app.Applicant, app.BankAccount, nonNil(app.Income), nonNil(app.Expenses),
		app.SnapshotIDs, app.Transitions} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode application %s: %w", app.ID, err)
		}
		encoded = append(encoded, raw)
	}
	terms, err := nullableJSON(app.Terms)
	if err != nil {
		return nil, err
	}
	override, err := nullableJSON(app.Override)
	if err != nil {
		return nil, err
	}
	contractID := uuid.NullUUID{UUID: uuid.UUID(app.ContractID), Valid: !app.ContractID.IsNil()}

	return []any{
		uuid.UUID(app.ID), encoded[0], app.RequestedAmount, app.TermMonths, app.AnnualRatePercent,
		string(app.Channel), encoded[1], encoded[2], encoded[3], string(app.State), string(app.DeclineReason),
		terms, snapshotsOrEmpty(encoded[4]), override, contractID, encoded[5], app.Version, app.CreatedAt, app.UpdatedAt,
	}, nil
}

func scanSnapshot(row scanner) (*affordability.Snapshot, error) {
	var (
		snap          affordability.Snapshot
		snapID, appID uuid.UUID
	)
	err := row.Scan(&snapID, &appID, &snap.MonthlyIncome, &snap.MonthlyExpenses, &snap.DisposableIncome,
		&snap.DebtToIncomeRatio, &snap.RatioCeiling, &snap.InstallmentCap, &snap.MaxAffordableAmount,
		&snap.ProposedPayment, &snap.CanAfford, &snap.AssessedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.ID = id.SnapshotID(snapID)
	snap.ApplicationID = id.ApplicationID(appID)
	return &snap, nil
}

func nullableJSON(v any) (any, error) {
	switch t := v.(type) {
	case *models.Terms:
		if t == nil {
			return nil, nil
		}
	case *models.Override:
		if t == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode application field: %w", err)
	}
	return raw, nil
}

func nonNil(entries []affordability.Entry) []affordability.Entry {
	if entries == nil {
		return []affordability.Entry{}
	}
	return entries
}

func snapshotsOrEmpty(raw []byte) []byte {
	if string(raw) == "null" {
		return []byte("[]")
	}
	return raw
}

func stateNames(states []models.State) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}
