package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateLocalPart(t *testing.T) {
	tests := []struct {
		name      string
		localPart string
		wantErr   error
	}{
		{"Valid letters", "alice", nil},
		{"Valid with dot", "alice.smith", nil},
		{"Valid with dash and digits", "alice-smith42", nil},
		{"Valid with underscore", "a_b_c", nil},
		{"Valid minimum length", "abc", nil},
		{"Valid maximum length", strings.Repeat("a", 64), nil},
		{"Invalid - too short", "ab", ErrLocalPartTooShort},
		{"Invalid - empty", "", ErrLocalPartTooShort},
		{"Invalid - too long", strings.Repeat("a", 65), ErrLocalPartTooLong},
		{"Invalid - uppercase", "Alice", ErrInvalidLocalPart},
		{"Invalid - plus sign", "alice+tag", ErrInvalidLocalPart},
		{"Invalid - space", "ali ce", ErrInvalidLocalPart},
		{"Invalid - starts with dot", ".alice", ErrInvalidLocalPart},
		{"Invalid - ends with dash", "alice-", ErrInvalidLocalPart},
		{"Invalid - double dot", "ali..ce", ErrInvalidLocalPart},
		{"Invalid - dot dash", "ali.-ce", ErrInvalidLocalPart},
		{"Invalid - unicode", "álice", ErrInvalidLocalPart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLocalPart(tt.localPart)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		name     string
		domain   string
		expected bool
	}{
		{"Valid domain", "example.com", true},
		{"Valid subdomain", "mail.example.com", true},
		{"Valid domain with numbers", "example123.com", true},
		{"Valid domain with dash", "my-domain.com", true},
		{"Invalid - empty", "", false},
		{"Invalid - no TLD", "example", false},
		{"Invalid - starts with dot", ".example.com", false},
		{"Invalid - ends with dot", "example.com.", false},
		{"Invalid - double dots", "example..com", false},
		{"Invalid - spaces", "example .com", false},
		{"Invalid - special characters", "example@.com", false},
		{"Invalid - starts with dash", "-example.com", false},
		{"Invalid - ends with dash", "example-.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ValidateDomain(tt.domain) == nil)
		})
	}
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("alice.smith@example.com"))
	assert.Error(t, ValidateAddress("alice@"))
	assert.Error(t, ValidateAddress("@example.com"))
	assert.Error(t, ValidateAddress("alice+x@example.com"))
	assert.ErrorIs(t, ValidateAddress(strings.Repeat("a", 64)+"@"+strings.Repeat("b", 190)+".com"), ErrEmailTooLong)
}

func TestNormalizeAndSplitAddress(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeAddress("  <Alice@Example.COM> "))

	local, domainName, ok := SplitAddress("alice@example.com")
	require.True(t, ok)
	assert.Equal(t, "alice", local)
	assert.Equal(t, "example.com", domainName)

	_, _, ok = SplitAddress("alice")
	assert.False(t, ok)
	assert.Equal(t, "bob@example.com", JoinAddress("BOB", "Example.com"))
}

func TestValidateTagName(t *testing.T) {
	assert.NoError(t, ValidateTagName("signup-batch"))
	assert.ErrorIs(t, ValidateTagName(""), ErrInvalidTagName)
	assert.ErrorIs(t, ValidateTagName("   "), ErrInvalidTagName)
	assert.ErrorIs(t, ValidateTagName("a,b"), ErrInvalidTagName)
	assert.ErrorIs(t, ValidateTagName(strings.Repeat("x", 101)), ErrInvalidTagName)
}

func TestValidateColorCode(t *testing.T) {
	assert.NoError(t, ValidateColorCode(""))
	assert.NoError(t, ValidateColorCode("#fff"))
	assert.NoError(t, ValidateColorCode("#A1B2C3"))
	assert.ErrorIs(t, ValidateColorCode("fff"), ErrInvalidColor)
	assert.ErrorIs(t, ValidateColorCode("#ggg"), ErrInvalidColor)
}
