package models

import (
	"time"

	id "lendflow/pkg/domain"
)

// MethodOTPSMS tags signatures captured by a PIN sent over SMS or WhatsApp.
const MethodOTPSMS = "otp_sms"

// SignatureRecord is the proof that a contract was signed. It is written once
// together with the Signed transition and never changes.
type SignatureRecord struct {
	ID                id.SignatureID `json:"id"`
	ContractID        id.ContractID  `json:"contract_id"`
	PinID             id.PinID       `json:"pin_id"`
	Method            string         `json:"method"`
	SignedAt          time.Time      `json:"signed_at"`
	Valid             bool           `json:"valid"`
	Phone             string         `json:"phone"`
	ContentHash       string         `json:"content_hash"`
	Device            string         `json:"device"`
	DeviceFingerprint string         `json:"-"`
	ClientIP          string         `json:"client_ip,omitempty"`
}
