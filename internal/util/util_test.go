package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewIDShapeAndOrder(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()

	assert.True(t, ValidID(a), a)
	assert.True(t, ValidID(b), b)
	assert.Less(t, a, b)
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewID()
		_, dup := seen[id]
		assert.False(t, dup, id)
		seen[id] = struct{}{}
	}
}

func TestValidID(t *testing.T) {
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("0123456789ABCDEF01234567"))
	assert.False(t, ValidID("0123456789abcdef0123456"))
	assert.True(t, ValidID("0123456789abcdef01234567"))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "John.Doe@example.com", NormalizeEmail("  John.Doe@Example.COM "))
	assert.Equal(t, "nodomain", NormalizeEmail("nodomain"))
}
