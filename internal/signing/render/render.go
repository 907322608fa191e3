// Package render produces the loan agreement text and its content hash.
package render

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"text/template"
	"time"

	"github.com/shopspring/decimal"

	"lendflow/internal/signing/models"
)

// DefaultTemplate is the agreement used when no custom template is configured.
const DefaultTemplate = `LOAN AGREEMENT

Reference: {{.ContractID}}
Date: {{.IssuedAt}}

Borrower: {{.Terms.ApplicantName}} (ID {{.Terms.NationalID}})
Mobile: {{.Terms.Phone}}
Disbursement account: {{.Terms.BankAccount}}

Principal: {{money .Terms.Principal}}
Term: {{.Terms.TermMonths}} months
Annual interest rate: {{.Terms.AnnualRatePercent}}%
Monthly instalment: {{money .Terms.MonthlyPayment}}
Total repayable: {{money .Terms.TotalRepayable}}
Total interest: {{money .Terms.TotalInterest}}
Initiation fee: {{money .Terms.InitiationFee}}
Service fees over the term: {{money .Terms.ServiceFees}}
Total fees: {{money .Terms.TotalFees}}

By entering the one-time PIN sent to the mobile number above, the borrower
accepts these terms and instructs the lender to pay the principal into the
disbursement account.
`

// Renderer renders agreements from a parsed template. It is safe for
// concurrent use.
type Renderer struct {
	tmpl *template.Template
}

type view struct {
	ContractID string
	IssuedAt   string
	Terms      models.Terms
}

// New parses text as the agreement template. An empty text selects DefaultTemplate.
func New(text string) (*Renderer, error) {
	if text == "" {
		text = DefaultTemplate
	}
	tmpl, err := template.New("agreement").
		Option("missingkey=error").
		Funcs(template.FuncMap{"money": money}).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse agreement template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render returns the agreement text and the SHA-256 hex of it.
func (r *Renderer) Render(contractID string, terms models.Terms, issuedAt time.Time) (string, string, error) {
	var buf bytes.Buffer
	err := r.tmpl.Execute(&buf, view{
		ContractID: contractID,
		IssuedAt:   issuedAt.UTC().Format("2 January 2006"),
		Terms:      terms,
	})
	if err != nil {
		return "", "", fmt.Errorf("render agreement: %w", err)
	}
	content := buf.String()
	return content, Hash(content), nil
}

// Hash is the content hash stored on contracts and signature records.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func money(v decimal.Decimal) string {
	return v.StringFixed(2)
}
