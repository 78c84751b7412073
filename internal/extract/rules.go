package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	gocache "github.com/patrickmn/go-cache"

	"github.com/lexgrove/gavel/internal/store"
)

// DefaultExcerptRadius is how many runes of context surround a match in
// the candidate content.
const DefaultExcerptRadius = 40

// RuleError reports a rule whose pattern failed to compile. This is an
// administrator-facing configuration error; the rule is skipped for the
// run, never a runtime fault.
type RuleError struct {
	RuleID int64
	Name   string
	Err    error
}

func (e RuleError) Error() string {
	return fmt.Sprintf("rule %d (%s): %v", e.RuleID, e.Name, e.Err)
}

// Matcher evaluates pattern rules against chunk text. Compiled patterns
// are cached keyed by rule id + version; rules are immutable once used by
// a run, so cached entries never go stale within a version.
type Matcher struct {
	cache         *gocache.Cache
	excerptRadius int
}

// NewMatcher creates a rule matcher with a compiled-pattern cache.
func NewMatcher() *Matcher {
	return &Matcher{
		cache:         gocache.New(time.Hour, 10*time.Minute),
		excerptRadius: DefaultExcerptRadius,
	}
}

// Apply evaluates every enabled rule against the chunk text and returns
// one finding per non-overlapping match, plus compile errors for
// malformed rules. Deterministic: identical (rule set, text) inputs
// produce identical output.
func (m *Matcher) Apply(rules []*store.Rule, text string) ([]Finding, []RuleError) {
	var findings []Finding
	var ruleErrs []RuleError

	runes := []rune(text)

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		re, err := m.compile(rule)
		if err != nil {
			ruleErrs = append(ruleErrs, RuleError{RuleID: rule.ID, Name: rule.Name, Err: err})
			continue
		}

		for _, idx := range re.FindAllStringSubmatchIndex(text, -1) {
			start, end := idx[0], idx[1]
			f := Finding{
				Strategy:    store.StrategyRuleBased,
				Kind:        rule.Kind,
				Statement:   excerpt(runes, text, start, end, m.excerptRadius),
				Value:       buildValue(re, rule.ValueTemplate, text, idx),
				GroundTags:  rule.GroundTags,
				Confidence:  rule.BaseConfidence,
				Materiality: rule.BaseMateriality,
				Span: Span{
					Start: utf8.RuneCountInString(text[:start]),
					End:   utf8.RuneCountInString(text[:end]),
				},
			}
			id := rule.ID
			f.RuleID = &id
			findings = append(findings, f)
		}
	}

	return findings, ruleErrs
}

// compile returns the compiled pattern for a rule, from cache when
// possible. Flags are single letters in the rule's pattern_flags,
// applied as a (?flags) group prefix: i, m, s, U.
func (m *Matcher) compile(rule *store.Rule) (*regexp.Regexp, error) {
	key := fmt.Sprintf("%d@%d", rule.ID, rule.Version)
	if cached, ok := m.cache.Get(key); ok {
		return cached.(*regexp.Regexp), nil
	}

	pattern := rule.Pattern
	if flags := sanitizeFlags(rule.PatternFlags); flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, re, gocache.DefaultExpiration)
	return re, nil
}

func sanitizeFlags(flags string) string {
	var out strings.Builder
	for _, r := range flags {
		switch r {
		case 'i', 'm', 's', 'U':
			out.WriteRune(r)
		}
	}
	return out.String()
}

// excerpt returns a short human-readable window around the match,
// bounded by the excerpt radius on both sides.
func excerpt(runes []rune, text string, byteStart, byteEnd, radius int) string {
	start := utf8.RuneCountInString(text[:byteStart])
	end := utf8.RuneCountInString(text[:byteEnd])

	from := start - radius
	if from < 0 {
		from = 0
	}
	to := end + radius
	if to > len(runes) {
		to = len(runes)
	}

	out := strings.TrimSpace(string(runes[from:to]))
	if from > 0 {
		out = "…" + out
	}
	if to < len(runes) {
		out = out + "…"
	}
	return out
}

// buildValue substitutes the match and named capture groups into the
// rule's value template. The expanded template lands under "value"; named
// groups and the full match are carried alongside so downstream review
// sees the raw captures.
func buildValue(re *regexp.Regexp, template, text string, idx []int) map[string]string {
	value := map[string]string{
		"match": text[idx[0]:idx[1]],
	}
	for i, name := range re.SubexpNames() {
		if name == "" || 2*i+1 >= len(idx) || idx[2*i] < 0 {
			continue
		}
		value[name] = text[idx[2*i]:idx[2*i+1]]
	}
	if template != "" {
		value["value"] = string(re.ExpandString(nil, template, text, idx))
	}
	return value
}
