// Package device summarizes the device a signature was captured on.
//
// The summary is a human readable "Browser on OS" string stored on the
// signature record. The fingerprint is a SHA-256 over the browser family, its
// major version and the platform, so routine browser updates do not change it
// while a switch of device does.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mssola/useragent"
)

const unknownDevice = "Unknown Device"

// Service computes device fingerprints. A disabled service returns empty
// fingerprints and never reports drift.
type Service struct {
	enabled bool
}

func NewService(enabled bool) *Service {
	return &Service{enabled: enabled}
}

// ParseUserAgent returns a display name such as "Chrome on macOS".
func ParseUserAgent(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return unknownDevice
	}
	ua := useragent.New(raw)
	browser, _ := ua.Browser()
	platform := ua.OS()
	if platform == "" {
		platform = ua.Platform()
	}
	if browser == "" {
		browser = "Unknown Browser"
	}
	if platform == "" {
		platform = "Unknown OS"
	}
	return strings.TrimSpace(browser + " on " + platform)
}

// ComputeFingerprint hashes the stable parts of a user agent.
func (s *Service) ComputeFingerprint(raw string) string {
	if !s.enabled || strings.TrimSpace(raw) == "" {
		return ""
	}
	ua := useragent.New(raw)
	browser, version := ua.Browser()
	major, _, _ := strings.Cut(version, ".")
	parts := []string{browser, major, ua.OS(), ua.Platform()}
	if ua.Mobile() {
		parts = append(parts, "mobile")
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// CompareFingerprints reports whether two fingerprints match and whether the
// difference counts as drift. Missing fingerprints are never drift.
func (s *Service) CompareFingerprints(previous, current string) (matched bool, drift bool) {
	if previous == current {
		return true, false
	}
	if !s.enabled || previous == "" || current == "" {
		return false, false
	}
	return false, true
}
