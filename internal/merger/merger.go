// Package merger deduplicates findings reported by heterogeneous scan
// tools.
//
// Two findings with the same fingerprint describe the same issue and are
// collapsed into one canonical finding. All merged attributes are
// order-independent except the title, which keeps the first-seen value;
// this choice is deliberate and relied upon by callers that stream stages
// in a fixed order.
package merger

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/soclab/argus/internal/models"
)

// Options tunes merge behaviour.
type Options struct {
	EvidenceCapPerSource int      // default 5
	RemediationPriority  []string // ordered source ids, most trusted first
}

// Statistics summarises a merge session.
type Statistics struct {
	InputCount  int            `json:"input_count"`
	MergedCount int            `json:"merged_count"`
	DedupRatio  float64        `json:"dedup_ratio"`
	BySource    map[string]int `json:"by_source"`
}

// Merger folds findings into a canonical set keyed by fingerprint. One
// Merger serves exactly one task and is owned by the engine running it.
type Merger struct {
	mu        sync.Mutex
	byPrint   map[string]*models.Finding
	order     []string          // fingerprints in first-seen order
	remSource map[string]string // fingerprint -> source of the current remediation
	opts      Options
	input     int
	bySource  map[string]int
}

// New creates a Merger with the given options.
func New(opts Options) *Merger {
	if opts.EvidenceCapPerSource <= 0 {
		opts.EvidenceCapPerSource = 5
	}
	if len(opts.RemediationPriority) == 0 {
		opts.RemediationPriority = []string{"pattern", "template", "header-scan"}
	}
	return &Merger{
		byPrint:   make(map[string]*models.Finding),
		remSource: make(map[string]string),
		opts:      opts,
		bySource:  make(map[string]int),
	}
}

// Fingerprint computes the stable identity hash of a finding: lowercased
// normalised title, category, target host, target path-or-port, and CWE id
// when present.
func Fingerprint(f *models.Finding) string {
	h := sha256.New()
	h.Write([]byte(normalizeTitle(f.Title)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(f.Category)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(f.Host)))
	h.Write([]byte{0})
	h.Write([]byte(f.TargetKey()))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToUpper(f.CWE)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeTitle lowercases, strips punctuation and collapses whitespace so
// "SQLi" vs "sql-i" style variants coincide where they share letters.
func normalizeTitle(title string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Add folds a finding into the set. The finding's Fingerprint field is
// computed here if empty; it never changes afterwards.
func (m *Merger) Add(f *models.Finding, source string, observedAt time.Time) {
	if f == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.input++
	m.bySource[source]++

	if f.Fingerprint == "" {
		f.Fingerprint = Fingerprint(f)
	}

	existing, ok := m.byPrint[f.Fingerprint]
	if !ok {
		clone := *f
		clone.Sources = []models.SourceRecord{{Source: source, ObservedAt: observedAt}}
		clone.Evidence = capEvidence(clone.Evidence, source, m.opts.EvidenceCapPerSource)
		m.byPrint[f.Fingerprint] = &clone
		m.order = append(m.order, f.Fingerprint)
		if clone.Remediation != "" {
			m.remSource[f.Fingerprint] = source
		}
		return
	}

	m.mergeInto(existing, f, source, observedAt)
}

// mergeInto applies the merge rules for two findings sharing a fingerprint.
func (m *Merger) mergeInto(dst, src *models.Finding, source string, observedAt time.Time) {
	dst.Severity = models.MaxSeverity(dst.Severity, src.Severity)

	dst.References = unionSorted(dst.References, src.References)
	dst.Tags = unionSorted(dst.Tags, src.Tags)

	// Evidence: one bounded list per contributing source, identical
	// entries folded so re-adding a finding changes nothing
	for _, ev := range src.Evidence {
		if ev.Source == "" {
			ev.Source = source
		}
		if hasEvidence(dst.Evidence, ev) {
			continue
		}
		if countBySource(dst.Evidence, ev.Source) < m.opts.EvidenceCapPerSource {
			dst.Evidence = append(dst.Evidence, ev)
		}
	}

	// Provenance deduplicated by source
	seen := false
	for _, s := range dst.Sources {
		if s.Source == source {
			seen = true
			break
		}
	}
	if !seen {
		dst.Sources = append(dst.Sources, models.SourceRecord{Source: source, ObservedAt: observedAt})
	}

	// Description: prefer the longer; title keeps the first-seen value
	if len(src.Description) > len(dst.Description) {
		dst.Description = src.Description
	}
	if src.Confidence > dst.Confidence {
		dst.Confidence = src.Confidence
	}
	// Remediation: non-empty wins; when both sides have text the
	// configured source priority decides. The source that supplied the
	// current text is tracked per fingerprint so the outcome does not
	// depend on insertion order.
	if src.Remediation != "" {
		fp := src.Fingerprint
		if dst.Remediation == "" || m.sourceRank(source) < m.sourceRank(m.remSource[fp]) {
			dst.Remediation = src.Remediation
			m.remSource[fp] = source
		}
	}

	if dst.CVE == "" {
		dst.CVE = src.CVE
	}
	if dst.OWASP == "" {
		dst.OWASP = src.OWASP
	}
}

func (m *Merger) sourceRank(source string) int {
	for i, s := range m.opts.RemediationPriority {
		if s == source {
			return i
		}
	}
	return len(m.opts.RemediationPriority)
}

// Merged returns the canonical findings in first-seen order.
func (m *Merger) Merged() []*models.Finding {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Finding, 0, len(m.order))
	for _, fp := range m.order {
		out = append(out, m.byPrint[fp])
	}
	return out
}

// Statistics returns counters for the session so far.
func (m *Merger) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		InputCount:  m.input,
		MergedCount: len(m.byPrint),
		BySource:    make(map[string]int, len(m.bySource)),
	}
	for k, v := range m.bySource {
		stats.BySource[k] = v
	}
	if m.input > 0 {
		stats.DedupRatio = 1 - float64(len(m.byPrint))/float64(m.input)
	}
	return stats
}

func hasEvidence(evidence []models.Evidence, ev models.Evidence) bool {
	for _, e := range evidence {
		if e == ev {
			return true
		}
	}
	return false
}

func countBySource(evidence []models.Evidence, source string) int {
	n := 0
	for _, ev := range evidence {
		if ev.Source == source {
			n++
		}
	}
	return n
}

func capEvidence(evidence []models.Evidence, fallbackSource string, limit int) []models.Evidence {
	out := make([]models.Evidence, 0, len(evidence))
	for _, ev := range evidence {
		if ev.Source == "" {
			ev.Source = fallbackSource
		}
		if hasEvidence(out, ev) {
			continue
		}
		if countBySource(out, ev.Source) < limit {
			out = append(out, ev)
		}
	}
	return out
}

// unionSorted merges two string sets into sorted order, dropping
// duplicates. Sorting keeps the result independent of insertion order.
func unionSorted(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
