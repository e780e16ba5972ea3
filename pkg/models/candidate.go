package models

// CoarseSignal names the cheap signal that put a Person into a candidate pool
type CoarseSignal string

const (
	CoarseSignalExactEmail     CoarseSignal = "exact_email"
	CoarseSignalUsernameForm   CoarseSignal = "username_form"
	CoarseSignalUsernameBucket CoarseSignal = "username_bucket"
	CoarseSignalNameToken      CoarseSignal = "name_token"
	CoarseSignalEmailDomain    CoarseSignal = "email_domain"
)

// CandidateQuery carries the coarse keys of a draft used to narrow the search space
type CandidateQuery struct {
	TenantID       string
	Email          string
	EmailDomain    string
	UsernameForms  []string
	UsernameBucket string
	NameTokens     []string
	ExcludePersons []string
	Limit          int
}

// CandidateHit is one coarse signal observed for one Person
type CandidateHit struct {
	PersonID string       `db:"person_id"`
	Signal   CoarseSignal `db:"signal"`
}

// CandidateProfile is a Person together with its active accounts
type CandidateProfile struct {
	Person      Person
	Links       []ExternalAccountLink
	CoarseScore float64
}

// VerifiedEmails returns every normalized email of the Person that can support an exact match
func (c CandidateProfile) VerifiedEmails(exemptSystems map[string]bool) []string {
	seen := map[string]bool{}
	emails := []string{}
	if c.Person.PrimaryEmail != "" {
		seen[c.Person.PrimaryEmail] = true
		emails = append(emails, c.Person.PrimaryEmail)
	}
	for i := range c.Links {
		link := &c.Links[i]
		if exemptSystems[link.System] || !link.HasVerifiedEmail() || seen[link.EmailNormalized] {
			continue
		}
		seen[link.EmailNormalized] = true
		emails = append(emails, link.EmailNormalized)
	}
	return emails
}

// EmailDomains returns the distinct domains of every known email of the Person
func (c CandidateProfile) EmailDomains() []string {
	seen := map[string]bool{}
	domains := []string{}
	add := func(d string) {
		if d != "" && !seen[d] {
			seen[d] = true
			domains = append(domains, d)
		}
	}
	add(c.Person.PrimaryEmailDomain)
	for _, link := range c.Links {
		add(link.EmailDomain)
	}
	return domains
}

// DisplayName returns the best known full name for the Person
func (c CandidateProfile) DisplayName() string {
	if c.Person.DisplayName != "" {
		return c.Person.DisplayName
	}
	for _, link := range c.Links {
		if link.DisplayName != "" {
			return link.DisplayName
		}
	}
	return ""
}

// Signal is one weighted contribution to a fuzzy score
type Signal struct {
	Name         string  `json:"name"`
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Detail       string  `json:"detail,omitempty"`
}

// ScoredCandidate is a Person with its composite confidence and the evidence behind it
type ScoredCandidate struct {
	PersonID string   `json:"person_id"`
	Score    float64  `json:"score"`
	Signals  []Signal `json:"signals,omitempty"`
}

// ExactResult is the outcome of verified-email matching. At most one of
// PersonID and Conflicting is set.
type ExactResult struct {
	Email       string
	PersonID    string
	Conflicting []string
}

func (r ExactResult) Matched() bool {
	return r.PersonID != ""
}

func (r ExactResult) IsConflict() bool {
	return len(r.Conflicting) > 1
}

// Weight is the coarse retrieval weight of the signal
func (s CoarseSignal) Weight() float64 {
	switch s {
	case CoarseSignalExactEmail:
		return 4
	case CoarseSignalUsernameForm:
		return 3
	case CoarseSignalUsernameBucket, CoarseSignalNameToken:
		return 1
	case CoarseSignalEmailDomain:
		return 0.5
	}
	return 0
}
