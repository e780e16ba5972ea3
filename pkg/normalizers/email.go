package normalizers

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// DefaultDomainAliases maps mail domains that deliver to the same mailbox
var DefaultDomainAliases = map[string]string{
	"googlemail.com": "gmail.com",
}

// DefaultPublicDomains are consumer mail providers. Sharing one says nothing about employment.
var DefaultPublicDomains = []string{
	"gmail.com", "yahoo.com", "hotmail.com", "outlook.com", "live.com",
	"icloud.com", "me.com", "aol.com", "proton.me", "protonmail.com",
	"users.noreply.github.com",
}

// IsValidEmail reports whether s parses as a single address
func IsValidEmail(s string) bool {
	return validate.Var(strings.TrimSpace(s), "required,email") == nil
}

// NormalizeEmail normalizes with the default domain aliases
func NormalizeEmail(s string) string {
	return NormalizeEmailWith(s, DefaultDomainAliases)
}

// NormalizeEmailWith lowercases the address, strips the trailing dot of the
// domain and applies aliases. Invalid addresses normalize to "".
func NormalizeEmailWith(s string, aliases map[string]string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return ""
	}
	local, domain := s[:at], strings.TrimSuffix(s[at+1:], ".")
	if alias, ok := aliases[domain]; ok {
		domain = alias
	}
	s = local + "@" + domain
	if !IsValidEmail(s) {
		return ""
	}
	return s
}

// EmailDomain returns the domain of an already normalized address
func EmailDomain(normalized string) string {
	at := strings.LastIndex(normalized, "@")
	if at < 0 {
		return ""
	}
	return normalized[at+1:]
}

// EmailLocalPart returns the mailbox part of an already normalized address
func EmailLocalPart(normalized string) string {
	at := strings.LastIndex(normalized, "@")
	if at < 0 {
		return ""
	}
	return normalized[:at]
}
