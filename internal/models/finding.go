package models

import (
	"strconv"
	"time"
)

// Severity of a finding. Ordered info < low < medium < high < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering rank of the severity.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Evidence captures what a tool observed for a finding.
type Evidence struct {
	Source   string `json:"source"`
	Matched  string `json:"matched,omitempty"`
	Request  string `json:"request,omitempty"`
	Response string `json:"response,omitempty"`
}

// SourceRecord is one provenance entry: which tool reported the finding
// and when.
type SourceRecord struct {
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// Finding is a vulnerability or observation produced by a scan stage.
type Finding struct {
	ID          string   `json:"id"`
	TaskID      string   `json:"task_id"`
	Fingerprint string   `json:"fingerprint"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Severity    Severity `json:"severity"`
	Category    string   `json:"category,omitempty"`
	Source      string   `json:"source"` // originating tool for unmerged findings

	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`

	CVE   string `json:"cve,omitempty"`
	CWE   string `json:"cwe,omitempty"`
	OWASP string `json:"owasp,omitempty"`

	Evidence    []Evidence `json:"evidence,omitempty"`
	References  []string   `json:"references,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Remediation string     `json:"remediation,omitempty"`
	Confidence  float64    `json:"confidence"`

	Sources    []SourceRecord `json:"sources,omitempty"` // set by the merger
	ObservedAt time.Time      `json:"observed_at"`
}

// TargetKey returns the path component of the fingerprint: path when the
// finding is about a URL surface, port otherwise.
func (f *Finding) TargetKey() string {
	if f.Path != "" {
		return f.Path
	}
	if f.Port > 0 {
		return strconv.Itoa(f.Port)
	}
	return ""
}
