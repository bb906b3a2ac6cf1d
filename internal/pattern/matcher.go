package pattern

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/cloudflare/ahocorasick"
	"github.com/dnaka91/veto/internal/domain"
)

// Matcher classifies log lines for a single rule. Filters are tried in
// declaration order; the first full match wins. When the rule configures
// blacklists, every configured group must produce at least one substring hit
// for the match to count.
//
// A Matcher is not safe for concurrent use; the substring automaton keeps
// per-scan state. Every rule pipeline owns its own instance.
type Matcher struct {
	rule    domain.Rule
	filters []*regexp.Regexp
	screens map[string]*ahocorasick.Matcher
}

// NewMatcher compiles the rule's filters and blacklist screens.
func NewMatcher(rule domain.Rule) (*Matcher, error) {
	filters := make([]*regexp.Regexp, 0, len(rule.Filters))
	for _, source := range rule.Filters {
		re, err := Expand(source)
		if err != nil {
			return nil, err
		}
		filters = append(filters, re)
	}

	screens := make(map[string]*ahocorasick.Matcher, len(rule.Blacklists))
	for group, substrings := range rule.Blacklists {
		if !groupDefined(filters, group) {
			return nil, fmt.Errorf("%w: %q in rule %q", domain.ErrUnknownBlacklistGroup, group, rule.Name)
		}

		lowered := make([]string, 0, len(substrings))
		for _, s := range substrings {
			lowered = append(lowered, strings.ToLower(s))
		}
		screens[group] = ahocorasick.NewStringMatcher(lowered)
	}

	return &Matcher{
		rule:    rule,
		filters: filters,
		screens: screens,
	}, nil
}

// Rule returns the rule this matcher was built from.
func (m *Matcher) Rule() domain.Rule {
	return m.rule
}

// FilterCount returns the number of compiled filters.
func (m *Matcher) FilterCount() int {
	return len(m.filters)
}

// Classify turns one log line into an optional block decision.
func (m *Matcher) Classify(line string) (netip.Addr, bool) {
	addr, _, ok := m.ClassifyIndexed(line)
	return addr, ok
}

// ClassifyIndexed is Classify plus the index of the filter that matched,
// for per-filter reporting in analyze mode.
func (m *Matcher) ClassifyIndexed(line string) (netip.Addr, int, bool) {
	for i, re := range m.filters {
		sub := re.FindStringSubmatch(line)
		if sub == nil {
			continue
		}

		host := sub[re.SubexpIndex("host")]
		addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
		if err != nil {
			// The filter claimed to capture a host; a bad capture means
			// the line is garbage, not that another filter should run.
			return netip.Addr{}, 0, false
		}

		if m.screensPass(re, sub) {
			return addr.Unmap(), i, true
		}
	}

	return netip.Addr{}, 0, false
}

// screensPass applies every configured blacklist group to the captures of a
// matched filter. A group whose capture is absent fails the whole filter.
func (m *Matcher) screensPass(re *regexp.Regexp, sub []string) bool {
	for group, screen := range m.screens {
		idx := re.SubexpIndex(group)
		if idx < 0 || sub[idx] == "" {
			return false
		}
		if len(screen.Match([]byte(strings.ToLower(sub[idx])))) == 0 {
			return false
		}
	}

	return true
}

// groupDefined reports whether any filter defines the named capture group.
func groupDefined(filters []*regexp.Regexp, group string) bool {
	for _, re := range filters {
		for _, name := range re.SubexpNames() {
			if name == group {
				return true
			}
		}
	}

	return false
}
