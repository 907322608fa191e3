package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lendflow/internal/platform/postgres"
	"lendflow/internal/signing/models"
	id "lendflow/pkg/domain"
	txcontext "lendflow/pkg/platform/tx"
)

// PostgresStore persists signing state in PostgreSQL. Uniqueness rules are
// backed by partial unique indexes; multi-row writes run in the caller's
// transaction or in one opened here.
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

func (s *PostgresStore) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return txcontext.SQLRunner{DB: s.db}.RunInTx(ctx, fn)
}

const contractColumns = `id, application_id, content, content_hash, phone, terms, state, version,
	created_at, sent_at, signed_at, expires_at, expired_at, cancelled_at`

func (s *PostgresStore) CreateContract(ctx context.Context, c *models.Contract) error {
	terms, err := json.Marshal(c.Terms)
	if err != nil {
		return fmt.Errorf("encode contract terms: %w", err)
	}
	c.Version = 1
	_, err = s.querier(ctx).ExecContext(ctx, `
		INSERT INTO contracts (`+contractColumns+`, principal)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, uuid.UUID(c.ID), uuid.UUID(c.ApplicationID), c.Content, c.ContentHash, c.Phone, terms,
		string(c.State), c.Version, c.CreatedAt, nullTime(c.SentAt), nullTime(c.SignedAt),
		nullTime(c.ExpiresAt), nullTime(c.ExpiredAt), nullTime(c.CancelledAt), c.Terms.Principal)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("application %s already has an active contract: %w", c.ApplicationID, ErrConflict)
		}
		return fmt.Errorf("insert contract: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindContract(ctx context.Context, contractID id.ContractID) (*models.Contract, error) {
	c, err := scanContract(s.querier(ctx).QueryRowContext(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = $1`, uuid.UUID(contractID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contract %s: %w", contractID, ErrNotFound)
	}
	return c, err
}

func (s *PostgresStore) FindActiveByApplication(ctx context.Context, appID id.ApplicationID) (*models.Contract, error) {
	c, err := scanContract(s.querier(ctx).QueryRowContext(ctx,
		`SELECT `+contractColumns+` FROM contracts
		WHERE application_id = $1 AND state IN ('draft', 'sent', 'signed')`, uuid.UUID(appID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active contract for application %s: %w", appID, ErrNotFound)
	}
	return c, err
}

func (s *PostgresStore) ListByApplication(ctx context.Context, appID id.ApplicationID) ([]*models.Contract, error) {
	return s.queryContracts(ctx, `SELECT `+contractColumns+` FROM contracts
		WHERE application_id = $1 ORDER BY created_at`, uuid.UUID(appID))
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Contract, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryContracts(ctx, `SELECT `+contractColumns+` FROM contracts
		WHERE state IN ('draft', 'sent') AND expires_at <= $1 ORDER BY expires_at LIMIT $2`, now, limit)
}

func (s *PostgresStore) queryContracts(ctx context.Context, query string, args ...any) ([]*models.Contract, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Contract, 0)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contracts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateContract(ctx context.Context, c *models.Contract) error {
	res, err := s.querier(ctx).ExecContext(ctx, `
		UPDATE contracts SET
			content = $2, content_hash = $3, phone = $4, state = $5, version = version + 1,
			sent_at = $6, signed_at = $7, expires_at = $8, expired_at = $9, cancelled_at = $10
		WHERE id = $1 AND version = $11
	`, uuid.UUID(c.ID), c.Content, c.ContentHash, c.Phone, string(c.State), nullTime(c.SentAt),
		nullTime(c.SignedAt), nullTime(c.ExpiresAt), nullTime(c.ExpiredAt), nullTime(c.CancelledAt), c.Version)
	if err != nil {
		return fmt.Errorf("update contract: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update contract: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("contract %s changed concurrently: %w", c.ID, ErrConflict)
	}
	c.Version++
	return nil
}

const pinColumns = `id, contract_id, code_hash, phone, issued_at, expires_at, consumed, invalidated_at,
	invalidated_reason, attempts, dispatch_status, dispatch_error, device_fingerprint`

func (s *PostgresStore) ReplacePin(ctx context.Context, pin *models.SigningPin) (int, error) {
	var superseded int
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		superseded, err = s.InvalidateOpenPins(ctx, pin.ContractID, models.InvalidatedSuperseded, pin.IssuedAt)
		if err != nil {
			return err
		}
		_, err = s.querier(ctx).ExecContext(ctx, `
			INSERT INTO signing_pins (`+pinColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, uuid.UUID(pin.ID), uuid.UUID(pin.ContractID), pin.CodeHash, pin.Phone, pin.IssuedAt, pin.ExpiresAt,
			pin.Consumed, nullTime(pin.InvalidatedAt), string(pin.InvalidatedReason), pin.Attempts,
			string(pin.DispatchStatus), pin.DispatchError, pin.DeviceFingerprint)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return fmt.Errorf("contract %s already has an open pin: %w", pin.ContractID, ErrConflict)
			}
			return fmt.Errorf("insert pin: %w", err)
		}
		return nil
	})
	return superseded, err
}

func (s *PostgresStore) FindOpenPin(ctx context.Context, contractID id.ContractID) (*models.SigningPin, error) {
	pin, err := scanPin(s.querier(ctx).QueryRowContext(ctx, `SELECT `+pinColumns+` FROM signing_pins
		WHERE contract_id = $1 AND NOT consumed AND invalidated_at IS NULL`, uuid.UUID(contractID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("open pin for contract %s: %w", contractID, ErrNotFound)
	}
	return pin, err
}

// UpdatePin writes the verification state of pin. Dispatch columns are left
// to RecordDispatch.
func (s *PostgresStore) UpdatePin(ctx context.Context, pin *models.SigningPin) error {
	res, err := s.querier(ctx).ExecContext(ctx, `
		UPDATE signing_pins SET consumed = $2, invalidated_at = $3, invalidated_reason = $4, attempts = $5
		WHERE id = $1
	`, uuid.UUID(pin.ID), pin.Consumed, nullTime(pin.InvalidatedAt), string(pin.InvalidatedReason), pin.Attempts)
	if err != nil {
		return fmt.Errorf("update pin: %w", err)
	}
	return requireRow(res, "pin "+pin.ID.String())
}

func (s *PostgresStore) RecordDispatch(ctx context.Context, pinID id.PinID, status models.DispatchStatus, detail string) error {
	res, err := s.querier(ctx).ExecContext(ctx,
		`UPDATE signing_pins SET dispatch_status = $2, dispatch_error = $3 WHERE id = $1`,
		uuid.UUID(pinID), string(status), detail)
	if err != nil {
		return fmt.Errorf("record pin dispatch: %w", err)
	}
	return requireRow(res, "pin "+pinID.String())
}

func (s *PostgresStore) InvalidateOpenPins(ctx context.Context, contractID id.ContractID, reason models.InvalidationReason, at time.Time) (int, error) {
	res, err := s.querier(ctx).ExecContext(ctx, `
		UPDATE signing_pins SET invalidated_at = $2, invalidated_reason = $3
		WHERE contract_id = $1 AND NOT consumed AND invalidated_at IS NULL
	`, uuid.UUID(contractID), at, string(reason))
	if err != nil {
		return 0, fmt.Errorf("invalidate pins: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("invalidate pins: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) ListPins(ctx context.Context, contractID id.ContractID) ([]*models.SigningPin, error) {
	rows, err := s.querier(ctx).QueryContext(ctx,
		`SELECT `+pinColumns+` FROM signing_pins WHERE contract_id = $1 ORDER BY issued_at`, uuid.UUID(contractID))
	if err != nil {
		return nil, fmt.Errorf("query pins: %w", err)
	}
	defer rows.Close()

	out := make([]*models.SigningPin, 0)
	for rows.Next() {
		pin, err := scanPin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pin)
	}
	return out, rows.Err()
}

const signatureColumns = `id, contract_id, pin_id, method, signed_at, valid, phone, content_hash,
	device, fingerprint, client_ip`

func (s *PostgresStore) RecordSignature(ctx context.Context, c *models.Contract, pin *models.SigningPin, rec *models.SignatureRecord) error {
	return s.inTx(ctx, func(ctx context.Context) error {
		if err := s.UpdateContract(ctx, c); err != nil {
			return err
		}
		res, err := s.querier(ctx).ExecContext(ctx, `
			UPDATE signing_pins SET consumed = TRUE
			WHERE id = $1 AND NOT consumed AND invalidated_at IS NULL
		`, uuid.UUID(pin.ID))
		if err != nil {
			return fmt.Errorf("consume pin: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return fmt.Errorf("pin %s is no longer open: %w", pin.ID, ErrConflict)
		}
		_, err = s.querier(ctx).ExecContext(ctx, `
			INSERT INTO signatures (`+signatureColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, uuid.UUID(rec.ID), uuid.UUID(rec.ContractID), uuid.UUID(rec.PinID), rec.Method, rec.SignedAt,
			rec.Valid, rec.Phone, rec.ContentHash, rec.Device, rec.DeviceFingerprint, rec.ClientIP)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return fmt.Errorf("contract %s already signed: %w", rec.ContractID, ErrConflict)
			}
			return fmt.Errorf("insert signature: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) FindSignature(ctx context.Context, contractID id.ContractID) (*models.SignatureRecord, error) {
	var (
		rec               models.SignatureRecord
		recID, cID, pinID uuid.UUID
	)
	err := s.querier(ctx).QueryRowContext(ctx,
		`SELECT `+signatureColumns+` FROM signatures WHERE contract_id = $1`, uuid.UUID(contractID)).
		Scan(&recID, &cID, &pinID, &rec.Method, &rec.SignedAt, &rec.Valid, &rec.Phone, &rec.ContentHash,
			&rec.Device, &rec.DeviceFingerprint, &rec.ClientIP)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("signature for contract %s: %w", contractID, ErrNotFound)
		}
		return nil, fmt.Errorf("scan signature: %w", err)
	}
	rec.ID = id.SignatureID(recID)
	rec.ContractID = id.ContractID(cID)
	rec.PinID = id.PinID(pinID)
	return &rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContract(row scanner) (*models.Contract, error) {
	var (
		c                                         models.Contract
		contractID, appID                         uuid.UUID
		state                                     string
		terms                                     []byte
		sent, signed, expires, expired, cancelled sql.NullTime
	)
	err := row.Scan(&contractID, &appID, &c.Content, &c.ContentHash, &c.Phone, &terms, &state,
		&c.Version, &c.CreatedAt, &sent, &signed, &expires, &expired, &cancelled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan contract: %w", err)
	}
	if err := json.Unmarshal(terms, &c.Terms); err != nil {
		return nil, fmt.Errorf("decode contract %s terms: %w", contractID, err)
	}
	c.ID = id.ContractID(contractID)
	c.ApplicationID = id.ApplicationID(appID)
	c.State = models.ContractState(state)
	c.SentAt = sent.Time
	c.SignedAt = signed.Time
	c.ExpiresAt = expires.Time
	c.ExpiredAt = expired.Time
	c.CancelledAt = cancelled.Time
	return &c, nil
}

func scanPin(row scanner) (*models.SigningPin, error) {
	var (
		pin               models.SigningPin
		pinID, contractID uuid.UUID
		invalidated       sql.NullTime
		reason, dispatch  string
	)
	err := row.Scan(&pinID, &contractID, &pin.CodeHash, &pin.Phone, &pin.IssuedAt, &pin.ExpiresAt,
		&pin.Consumed, &invalidated, &reason, &pin.Attempts, &dispatch, &pin.DispatchError, &pin.DeviceFingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan pin: %w", err)
	}
	pin.ID = id.PinID(pinID)
	pin.ContractID = id.ContractID(contractID)
	pin.InvalidatedAt = invalidated.Time
	pin.InvalidatedReason = models.InvalidationReason(reason)
	pin.DispatchStatus = models.DispatchStatus(dispatch)
	return &pin, nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
