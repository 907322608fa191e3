package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	id "lendflow/pkg/domain"
)

func TestReference(t *testing.T) {
	contractID := id.ContractID(uuid.MustParse("7d1c3f0e-9a55-4f5e-8d7e-2f6a3b9c1d20"))
	assert.Equal(t, "7d1c3f0e-9a55-4f5e-8d7e-2f6a3b9c1d20-2", Reference(contractID, 2))
}

func TestOutcomes(t *testing.T) {
	now := time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)
	d := NewPending(id.NewApplicationID(), id.NewContractID(), 1, decimal.NewFromInt(5000), id.BankAccount{}, "system", now)
	assert.Equal(t, StatusPending, d.Status)
	assert.False(t, d.Status.IsFinal())

	failed := d.Clone()
	failed.Fail("", now)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "payment not confirmed", failed.FailureReason)
	assert.True(t, failed.Status.IsFinal())

	d.Confirm("pay-1", now)
	assert.Equal(t, StatusConfirmed, d.Status)
	assert.Equal(t, "pay-1", d.ProviderRef)
	assert.Equal(t, now, d.CompletedAt)
}
