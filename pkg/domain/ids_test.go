package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "lendflow/pkg/domain-errors"
)

func TestParseApplicationID(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseApplicationID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseApplicationID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseApplicationID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		valid := uuid.New()
		parsed, err := ParseApplicationID(valid.String())
		require.NoError(t, err)
		assert.Equal(t, ApplicationID(valid), parsed)
		assert.Equal(t, valid.String(), parsed.String())
	})
}

func TestParseID_HostileInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"SQL injection attempt", "'; DROP TABLE applications;--", true},
		{"Path traversal", "../../../etc/passwd", true},
		{"Null byte injection", "550e8400\x00-e29b-41d4-a716-446655440000", true},
		{"Oversized input", strings.Repeat("a", 1000), true},
		{"Whitespace only", "   ", true},
		{"Uppercase valid UUID", "550E8400-E29B-41D4-A716-446655440000", false},
		{"Valid UUID lowercase", "550e8400-e29b-41d4-a716-446655440000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseContractID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestAllIDTypes_ConsistentBehavior(t *testing.T) {
	parsers := map[string]func(string) error{
		"application": func(s string) error { _, err := ParseApplicationID(s); return err },
		"snapshot":    func(s string) error { _, err := ParseSnapshotID(s); return err },
		"contract":    func(s string) error { _, err := ParseContractID(s); return err },
		"pin":         func(s string) error { _, err := ParsePinID(s); return err },
		"signature":   func(s string) error { _, err := ParseSignatureID(s); return err },
		"disbursement": func(s string) error {
			_, err := ParseDisbursementID(s)
			return err
		},
	}

	valid := uuid.New().String()
	for name, parse := range parsers {
		t.Run(name+" accepts valid UUID", func(t *testing.T) {
			require.NoError(t, parse(valid))
		})
		for _, input := range []string{"", "invalid", uuid.Nil.String()} {
			t.Run(name+" rejects "+input, func(t *testing.T) {
				require.Error(t, parse(input))
			})
		}
	}
}

func TestNewIDsAreNeverNil(t *testing.T) {
	assert.False(t, NewApplicationID().IsNil())
	assert.False(t, NewContractID().IsNil())
	assert.False(t, NewPinID().IsNil())
	assert.True(t, ApplicationID{}.IsNil())
}

func TestActor(t *testing.T) {
	assert.True(t, Actor{Kind: ActorOperator, ID: "op-7"}.IsOperator())
	assert.False(t, Actor{Kind: ActorOperator}.IsOperator())
	assert.False(t, Actor{Kind: ActorApplicant, ID: "a-1"}.IsOperator())
	assert.Equal(t, "operator:op-7", Actor{Kind: ActorOperator, ID: "op-7"}.String())
	assert.True(t, System.Kind.IsValid())
	assert.False(t, ActorKind("robot").IsValid())
}

func TestIDTextRoundTrip(t *testing.T) {
	original := NewContractID()
	raw, err := original.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, original.String(), string(raw))

	var parsed ContractID
	require.NoError(t, parsed.UnmarshalText(raw))
	assert.Equal(t, original, parsed)
}
