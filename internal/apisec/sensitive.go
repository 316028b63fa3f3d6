package apisec

import (
	"regexp"

	"github.com/soclab/argus/internal/models"
)

// sensitiveRule flags one category of exposed secret or personal data.
type sensitiveRule struct {
	Name     string
	Severity models.Severity
	Pattern  *regexp.Regexp
	// MaxMatches bounds how many issues one rule raises per document.
	MaxMatches int
}

var sensitiveRules = []sensitiveRule{
	{
		Name:       "private-key-block",
		Severity:   models.SeverityCritical,
		Pattern:    regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`),
		MaxMatches: 1,
	},
	{
		Name:       "aws-access-key",
		Severity:   models.SeverityHigh,
		Pattern:    regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
		MaxMatches: 3,
	},
	{
		Name:       "generic-credential",
		Severity:   models.SeverityHigh,
		Pattern:    regexp.MustCompile(`(?i)\b(?:api[_-]?key|apisecret|secret[_-]?key|access[_-]?token|password|passwd)\b["'\s:=]{1,5}["']([A-Za-z0-9_\-@#$%]{8,64})["']`),
		MaxMatches: 3,
	},
	{
		Name:       "jwt-token",
		Severity:   models.SeverityMedium,
		Pattern:    regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`),
		MaxMatches: 3,
	},
	{
		Name:       "national-id",
		Severity:   models.SeverityHigh,
		Pattern:    regexp.MustCompile(`\b[1-9]\d{5}(?:19|20)\d{2}(?:0[1-9]|1[0-2])(?:0[1-9]|[12]\d|3[01])\d{3}[\dXx]\b`),
		MaxMatches: 3,
	},
	{
		Name:       "mobile-number",
		Severity:   models.SeverityMedium,
		Pattern:    regexp.MustCompile(`\b1[3-9]\d{9}\b`),
		MaxMatches: 3,
	},
	{
		Name:       "email-address",
		Severity:   models.SeverityLow,
		Pattern:    regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		MaxMatches: 3,
	},
}

// sensitiveMatch is one rule hit within a document.
type sensitiveMatch struct {
	Rule     sensitiveRule
	Excerpt  string
	Position int
}

const excerptContext = 40

// scanSensitive runs every rule over a document and returns the bounded
// match set. Excerpts carry surrounding context but are truncated so raw
// secrets are not stored verbatim at full length.
func scanSensitive(body string) []sensitiveMatch {
	var out []sensitiveMatch
	for _, rule := range sensitiveRules {
		locs := rule.Pattern.FindAllStringIndex(body, rule.MaxMatches)
		for _, loc := range locs {
			out = append(out, sensitiveMatch{
				Rule:     rule,
				Excerpt:  excerpt(body, loc[0], loc[1]),
				Position: loc[0],
			})
		}
	}
	return out
}

func excerpt(body string, start, end int) string {
	from := start - excerptContext
	if from < 0 {
		from = 0
	}
	to := end + excerptContext
	if to > len(body) {
		to = len(body)
	}
	if to-from > 200 {
		to = from + 200
	}
	return body[from:to]
}
