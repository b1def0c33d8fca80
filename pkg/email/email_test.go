package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveNameFromEmail(t *testing.T) {
	tests := []struct {
		email string
		first string
		last  string
	}{
		{"jane.doe@example.com", "Jane", "Doe"},
		{"jane_van-der_berg@example.com", "Jane", "Berg"},
		{"admin@example.com", "Admin", "User"},
		{"j+tag@example.com", "J", "Tag"},
		{"", "User", "User"},
		{"no-at-sign", "No", "Sign"},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			first, last := DeriveNameFromEmail(tt.email)
			assert.Equal(t, tt.first, first)
			assert.Equal(t, tt.last, last)
		})
	}
}
