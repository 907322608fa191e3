package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	dErrors "lendflow/pkg/domain-errors"
)

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+27821234567", NormalizePhone(" +27 (82) 123-4567 "))
	assert.Equal(t, "0821234567", NormalizePhone("082 123 4567"))
	assert.Equal(t, "", NormalizePhone("   "))
}

func TestApplicantValidate(t *testing.T) {
	valid := Applicant{NationalID: "8001015009087", FirstName: "Ada", LastName: "Ngu", Phone: "+27821234567"}
	assert.NoError(t, valid.Validate())

	missingID := valid
	missingID.NationalID = ""
	assert.True(t, dErrors.HasCode(missingID.Validate(), dErrors.CodeInvalidInput))

	shortPhone := valid
	shortPhone.Phone = "+123"
	assert.True(t, dErrors.HasCode(shortPhone.Validate(), dErrors.CodeInvalidInput))
}

func TestBankAccountMasked(t *testing.T) {
	assert.Equal(t, "******7890", BankAccount{AccountNumber: "1234567890"}.Masked())
	assert.Equal(t, "12", BankAccount{AccountNumber: "12"}.Masked())
}
