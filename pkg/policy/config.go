// Package policy holds the tunable matching policy and the pure decision function over match results.
package policy

import (
	"fmt"
	"maps"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

const (
	DefaultAutoLinkThreshold = 0.85
	DefaultReviewThreshold   = 0.60
	DefaultCandidateLimit    = 25
	DefaultActivityPenalty   = 0.15
	DefaultActivityGraceDays = 30
	// MaxOptions bounds the ranked options shown on a review entry
	MaxOptions = 5

	weightTolerance = 1e-6
)

type Thresholds struct {
	AutoLink float64 `json:"auto_link"`
	Review   float64 `json:"review"`
}

// SystemOverride replaces one or both thresholds for a single source system
type SystemOverride struct {
	AutoLink *float64 `json:"auto_link,omitempty"`
	Review   *float64 `json:"review,omitempty"`
}

type Weights struct {
	Name     float64 `json:"name"`
	Username float64 `json:"username"`
	Domain   float64 `json:"domain"`
}

// Settings is the plain, serializable form of a policy
type Settings struct {
	Thresholds            Thresholds                `json:"thresholds"`
	SystemOverrides       map[string]SystemOverride `json:"system_overrides,omitempty"`
	Weights               Weights                   `json:"weights"`
	EmailExemptSystems    []string                  `json:"email_exempt_systems,omitempty"`
	OrgDomains            []string                  `json:"org_domains,omitempty"`
	PublicDomains         []string                  `json:"public_domains,omitempty"`
	DomainAliases         map[string]string         `json:"domain_aliases,omitempty"`
	ActivityPenalty       float64                   `json:"activity_penalty"`
	ActivityGraceDays     int                       `json:"activity_grace_days"`
	ActivityExemptSystems []string                  `json:"activity_exempt_systems,omitempty"`
	CandidateLimit        int                       `json:"candidate_limit"`
	BotPatterns           []string                  `json:"bot_patterns,omitempty"`
}

// DefaultSettings returns the built-in policy
func DefaultSettings() Settings {
	return Settings{
		Thresholds:            Thresholds{AutoLink: DefaultAutoLinkThreshold, Review: DefaultReviewThreshold},
		Weights:               Weights{Name: 0.40, Username: 0.40, Domain: 0.20},
		PublicDomains:         slices.Clone(normalizers.DefaultPublicDomains),
		DomainAliases:         maps.Clone(normalizers.DefaultDomainAliases),
		ActivityPenalty:       DefaultActivityPenalty,
		ActivityGraceDays:     DefaultActivityGraceDays,
		ActivityExemptSystems: []string{"github"},
		CandidateLimit:        DefaultCandidateLimit,
		BotPatterns:           []string{`(?i)\[bot\]$`, `(?i)^(ci|build|deploy|release)[-_.]?(bot|user|agent)?$`, `(?i)[-_.]bot$`},
	}
}

// Config is an immutable, validated policy. Build one with New and swap
// whole values to change the policy at runtime.
type Config struct {
	settings       Settings
	systems        map[string]Thresholds
	emailExempt    map[string]bool
	activityExempt map[string]bool
	orgDomains     map[string]bool
	publicDomains  map[string]bool
	botPatterns    []*regexp.Regexp
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = true
		}
	}
	return set
}

func inUnitRange(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}

// New validates s and returns the policy it describes
func New(s Settings) (*Config, error) {
	def := s.Thresholds
	if !inUnitRange(def.AutoLink) || !inUnitRange(def.Review) {
		return nil, models.NewValidationError("thresholds", "thresholds must be within [0, 1]")
	}
	if def.Review > def.AutoLink {
		return nil, models.NewValidationError("thresholds", fmt.Sprintf("review threshold %.2f exceeds auto-link threshold %.2f", def.Review, def.AutoLink))
	}

	systems := map[string]Thresholds{}
	overrides := make(map[string]SystemOverride, len(s.SystemOverrides))
	for name, override := range s.SystemOverrides {
		system := strings.ToLower(strings.TrimSpace(name))
		if system == "" {
			return nil, models.NewValidationError("system_overrides", "system name is required")
		}
		if _, dup := overrides[system]; dup {
			return nil, models.NewValidationError("system_overrides."+system, "system is listed more than once")
		}
		overrides[system] = override
		t := def
		if override.AutoLink != nil {
			t.AutoLink = *override.AutoLink
		}
		if override.Review != nil {
			t.Review = *override.Review
		}
		field := "system_overrides." + system
		if !inUnitRange(t.AutoLink) || !inUnitRange(t.Review) {
			return nil, models.NewValidationError(field, "thresholds must be within [0, 1]")
		}
		if t.AutoLink < def.AutoLink {
			return nil, models.NewValidationError(field, fmt.Sprintf("auto-link threshold %.2f is below the default %.2f", t.AutoLink, def.AutoLink))
		}
		if t.Review > t.AutoLink {
			return nil, models.NewValidationError(field, fmt.Sprintf("review threshold %.2f exceeds auto-link threshold %.2f", t.Review, t.AutoLink))
		}
		systems[system] = t
	}

	w := s.Weights
	if w.Name < 0 || w.Username < 0 || w.Domain < 0 {
		return nil, models.NewValidationError("weights", "weights must be non-negative")
	}
	if sum := w.Name + w.Username + w.Domain; math.Abs(sum-1) > weightTolerance {
		return nil, models.NewValidationError("weights", fmt.Sprintf("weights must sum to 1, got %.4f", sum))
	}
	if !inUnitRange(s.ActivityPenalty) {
		return nil, models.NewValidationError("activity_penalty", "activity penalty must be within [0, 1]")
	}
	if s.ActivityGraceDays < 0 {
		return nil, models.NewValidationError("activity_grace_days", "grace period must not be negative")
	}
	if s.CandidateLimit <= 0 {
		s.CandidateLimit = DefaultCandidateLimit
	}

	bots := make([]*regexp.Regexp, 0, len(s.BotPatterns))
	for _, pattern := range s.BotPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, models.NewValidationError("bot_patterns", fmt.Sprintf("invalid pattern %q: %v", pattern, err))
		}
		bots = append(bots, re)
	}

	aliases := map[string]string{}
	for from, to := range s.DomainAliases {
		aliases[strings.ToLower(from)] = strings.ToLower(to)
	}
	s.DomainAliases = aliases
	s.SystemOverrides = overrides
	s.EmailExemptSystems = slices.Clone(s.EmailExemptSystems)
	s.OrgDomains = slices.Clone(s.OrgDomains)
	s.PublicDomains = slices.Clone(s.PublicDomains)
	s.ActivityExemptSystems = slices.Clone(s.ActivityExemptSystems)
	s.BotPatterns = slices.Clone(s.BotPatterns)

	return &Config{
		settings:       s,
		systems:        systems,
		emailExempt:    toSet(s.EmailExemptSystems),
		activityExempt: toSet(s.ActivityExemptSystems),
		orgDomains:     toSet(s.OrgDomains),
		publicDomains:  toSet(s.PublicDomains),
		botPatterns:    bots,
	}, nil
}

// MustNew panics when s is invalid. For tests and static defaults.
func MustNew(s Settings) *Config {
	cfg, err := New(s)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Default returns the built-in policy
func Default() *Config {
	return MustNew(DefaultSettings())
}

// Settings returns a copy of the settings the policy was built from
func (c *Config) Settings() Settings {
	s := c.settings
	s.SystemOverrides = maps.Clone(s.SystemOverrides)
	s.DomainAliases = maps.Clone(s.DomainAliases)
	s.EmailExemptSystems = slices.Clone(s.EmailExemptSystems)
	s.OrgDomains = slices.Clone(s.OrgDomains)
	s.PublicDomains = slices.Clone(s.PublicDomains)
	s.ActivityExemptSystems = slices.Clone(s.ActivityExemptSystems)
	s.BotPatterns = slices.Clone(s.BotPatterns)
	return s
}

// Thresholds returns the effective thresholds for a source system
func (c *Config) Thresholds(system string) Thresholds {
	if t, ok := c.systems[strings.ToLower(system)]; ok {
		return t
	}
	return c.settings.Thresholds
}

func (c *Config) Weights() Weights {
	return c.settings.Weights
}

func (c *Config) IsEmailExempt(system string) bool {
	return c.emailExempt[strings.ToLower(system)]
}

// EmailExemptSystems returns the exempt systems as a set
func (c *Config) EmailExemptSystems() map[string]bool {
	return maps.Clone(c.emailExempt)
}

func (c *Config) IsOrgDomain(domain string) bool {
	return c.orgDomains[domain]
}

func (c *Config) IsPublicDomain(domain string) bool {
	return c.publicDomains[domain]
}

// NormalizeEmail normalizes an address with this policy's domain aliases
func (c *Config) NormalizeEmail(email string) string {
	return normalizers.NormalizeEmailWith(email, c.settings.DomainAliases)
}

func (c *Config) ActivityPenalty() float64 {
	return c.settings.ActivityPenalty
}

func (c *Config) ActivityGrace() time.Duration {
	return time.Duration(c.settings.ActivityGraceDays) * 24 * time.Hour
}

func (c *Config) IsActivityExempt(system string) bool {
	return c.activityExempt[strings.ToLower(system)]
}

func (c *Config) CandidateLimit() int {
	return c.settings.CandidateLimit
}

// IsBot reports whether the account looks like a service account
func (c *Config) IsBot(username, displayName string) bool {
	for _, re := range c.botPatterns {
		if (username != "" && re.MatchString(username)) || (displayName != "" && re.MatchString(displayName)) {
			return true
		}
	}
	return false
}

// PlaceholderStatus picks the status of a new placeholder for an account with no plausible owner
func (c *Config) PlaceholderStatus(emailDomain string, bot bool) models.PersonStatus {
	switch {
	case bot:
		return models.PersonStatusBot
	case emailDomain != "" && len(c.orgDomains) > 0 && !c.orgDomains[emailDomain]:
		return models.PersonStatusExternal
	}
	return models.PersonStatusUnresolved
}
