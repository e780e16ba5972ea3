package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases and trims", "  J.Smith@Acme.COM ", "j.smith@acme.com"},
		{"applies domain alias", "jane@googlemail.com", "jane@gmail.com"},
		{"strips trailing dot", "jane@acme.com.", "jane@acme.com"},
		{"empty", "", ""},
		{"missing at", "jane.acme.com", ""},
		{"missing domain", "jane@", ""},
		{"missing local part", "@acme.com", ""},
		{"garbage", "not an email", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeEmail(tt.in))
		})
	}
}

func TestNormalizeEmailWith_CustomAliases(t *testing.T) {
	aliases := map[string]string{"acme-corp.com": "acme.com"}
	assert.Equal(t, "jane@acme.com", NormalizeEmailWith("Jane@ACME-corp.com", aliases))
	assert.Equal(t, "jane@googlemail.com", NormalizeEmailWith("jane@googlemail.com", aliases))
}

func TestEmailParts(t *testing.T) {
	assert.Equal(t, "acme.com", EmailDomain("j.smith@acme.com"))
	assert.Equal(t, "j.smith", EmailLocalPart("j.smith@acme.com"))
	assert.Equal(t, "", EmailDomain("nope"))
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "John Smith", "john smith"},
		{"strips diacritics", "José Núñez", "jose nunez"},
		{"flips last comma first", "Smith, John", "john smith"},
		{"drops suffix", "John Smith Jr.", "john smith"},
		{"comma suffix is not a flip", "John Smith, Jr.", "john smith"},
		{"drops academic suffix", "Jane Doe, PhD", "jane doe"},
		{"collapses punctuation", "Mary-Jane  O'Neil", "mary jane oneil"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeName(tt.in))
		})
	}
}

func TestNameTokens(t *testing.T) {
	assert.Equal(t, []string{"john", "smith"}, NameTokens("Smith, John"))
	assert.Empty(t, NameTokens(""))
}

func TestUsernameKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"jsmith", "jsmith"},
		{"@J.Smith", "jsmith"},
		{"j_smith", "jsmith"},
		{"j-smith", "jsmith"},
		{"dependabot[bot]", "dependabot"},
		{"deploy-bot", "deploy"},
		{"JoséN", "josen"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, UsernameKey(tt.in))
		})
	}
}

func TestUsernameTokens(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"john.smith", []string{"john", "smith"}},
		{"john_smith_42", []string{"john", "smith"}},
		{"JohnSmith", []string{"john", "smith"}},
		{"jsmith", []string{"jsmith"}},
		{"@jane-doe[bot]", []string{"jane", "doe"}},
		{"", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, UsernameTokens(tt.in))
		})
	}
}

func TestUsernameBucket(t *testing.T) {
	assert.Equal(t, "jsm", UsernameBucket("jsmith"))
	assert.Equal(t, "", UsernameBucket("js"))
}

func TestApplyChain(t *testing.T) {
	assert.Equal(t, "jose", ApplyChain(" José ", "trim", "strip_diacritics", "lowercase"))
	assert.Equal(t, "x", ApplyChain("x", "unknown"))
}
