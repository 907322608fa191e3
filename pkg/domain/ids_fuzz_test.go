//go:build go1.18

package domain

import (
	"testing"
	"unicode/utf8"
)

// FuzzParseApplicationID checks parsing never panics and always returns
// either a round-trippable ID or an error.
func FuzzParseApplicationID(f *testing.F) {
	f.Add("")
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("00000000-0000-0000-0000-000000000000")
	f.Add("not-a-uuid")
	f.Add(string([]byte{0x00, 0x01, 0x02}))

	f.Fuzz(func(t *testing.T, input string) {
		parsed, err := ParseApplicationID(input)
		if err == nil {
			roundTrip, err2 := ParseApplicationID(parsed.String())
			if err2 != nil {
				t.Errorf("valid ID failed round-trip: %v", err2)
			}
			if roundTrip != parsed {
				t.Error("round-trip changed ID value")
			}
		}
		if !utf8.ValidString(input) && err == nil {
			t.Error("non-UTF8 input was accepted")
		}
	})
}
