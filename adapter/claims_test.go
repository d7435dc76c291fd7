package fincharts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenExpiry(t *testing.T) {
	want := time.Now().Add(45 * time.Minute)
	token := MintTestToken(want)

	got, ok := TokenExpiry(token)
	require.True(t, ok)
	assert.WithinDuration(t, want, got, time.Second)
}

func TestTokenExpiryMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"not a jwt", "garbage"},
		{"wrong segment count", "a.b"},
		{"invalid base64 payload", "eyJhbGciOiJIUzI1NiJ9.!!!.sig"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := TokenExpiry(tt.raw)
			assert.False(t, ok)
		})
	}
}
