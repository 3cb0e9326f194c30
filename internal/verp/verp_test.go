package verp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcast/internal/util"
)

func TestRoundTrip(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := util.NewID()
		got, ok := Decode(Address(id, "mail.example.com"))
		require.True(t, ok)
		assert.Equal(t, id, got)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
		ok   bool
	}{
		{"plain", "bounces.5b2a0f41c0015570bc770def@example.com", "5b2a0f41c0015570bc770def", true},
		{"angle brackets", "<bounces.5b2a0f41c0015570bc770def@example.com>", "5b2a0f41c0015570bc770def", true},
		{"upper case", "BOUNCES.5B2A0F41C0015570BC770DEF@EXAMPLE.COM", "5b2a0f41c0015570bc770def", true},
		{"short id", "bounces.5b2a0f41@example.com", "", false},
		{"long id", "bounces.5b2a0f41c0015570bc770def00@example.com", "", false},
		{"not hex", "bounces.zzzzzzzzzzzzzzzzzzzzzzzz@example.com", "", false},
		{"other mailbox", "postmaster@example.com", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Decode(tt.addr)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
