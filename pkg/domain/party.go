package domain

import (
	"strings"
	"unicode"

	dErrors "lendflow/pkg/domain-errors"
)

// Applicant is the identity a borrower declares on submission. It is what the
// identity and employment verifiers are asked to confirm.
type Applicant struct {
	NationalID string `json:"national_id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Phone      string `json:"phone"`
	Employer   string `json:"employer"`
}

// FullName joins first and last name for rendered documents.
func (a Applicant) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// Normalize trims whitespace and reduces the phone number to an E.164-like
// form (leading + kept, digits only).
func (a *Applicant) Normalize() {
	a.NationalID = strings.TrimSpace(a.NationalID)
	a.FirstName = strings.TrimSpace(a.FirstName)
	a.LastName = strings.TrimSpace(a.LastName)
	a.Employer = strings.TrimSpace(a.Employer)
	a.Phone = NormalizePhone(a.Phone)
}

func (a Applicant) Validate() error {
	switch {
	case a.NationalID == "":
		return dErrors.New(dErrors.CodeInvalidInput, "applicant national_id is required")
	case a.FirstName == "" || a.LastName == "":
		return dErrors.New(dErrors.CodeInvalidInput, "applicant name is required")
	case len(strings.TrimPrefix(a.Phone, "+")) < 7:
		return dErrors.New(dErrors.CodeInvalidInput, "applicant phone is invalid")
	}
	return nil
}

// BankAccount is the disbursement destination.
type BankAccount struct {
	BankName      string `json:"bank_name"`
	BranchCode    string `json:"branch_code"`
	AccountNumber string `json:"account_number"`
	HolderName    string `json:"holder_name"`
}

func (b BankAccount) Validate() error {
	if strings.TrimSpace(b.AccountNumber) == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "bank account number is required")
	}
	if strings.TrimSpace(b.BankName) == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "bank name is required")
	}
	return nil
}

// Masked returns the account number with all but the last four digits hidden.
func (b BankAccount) Masked() string {
	n := len(b.AccountNumber)
	if n <= 4 {
		return b.AccountNumber
	}
	return strings.Repeat("*", n-4) + b.AccountNumber[n-4:]
}

// NormalizePhone strips everything except digits, keeping a leading plus.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	for i, r := range raw {
		if i == 0 && r == '+' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
