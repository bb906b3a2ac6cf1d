package analyze

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dnaka91/veto/internal/domain"
	"github.com/dnaka91/veto/internal/pattern"
	"github.com/dnaka91/veto/internal/watcher"
)

// Report summarizes a replay of one file through a rule's matcher.
type Report struct {
	Rule       string
	File       string
	TotalLines int
	FilterHits []int
	Addresses  []netip.Addr
}

// Run replays the file at path through the rule's matcher without touching
// the blocklist or the firewall. When path is empty the rule's configured
// file is used.
func Run(logger zerolog.Logger, rule domain.Rule, path string) (*Report, error) {
	if path == "" {
		path = rule.File
	}

	matcher, err := pattern.NewMatcher(rule)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Rule:       rule.Name,
		File:       path,
		FilterHits: make([]int, matcher.FilterCount()),
	}
	seen := make(map[netip.Addr]struct{})

	err = watcher.Backfill(path, func(text string) {
		report.TotalLines++

		addr, filter, ok := matcher.ClassifyIndexed(text)
		if !ok {
			return
		}

		report.FilterHits[filter]++
		if _, dup := seen[addr]; !dup {
			seen[addr] = struct{}{}
			report.Addresses = append(report.Addresses, addr)
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(report.Addresses, func(i, j int) bool {
		return report.Addresses[i].Less(report.Addresses[j])
	})

	logger.Info().
		Str("rule", report.Rule).
		Str("file", report.File).
		Int("lines", report.TotalLines).
		Int("matched", report.Matched()).
		Int("addresses", len(report.Addresses)).
		Msg("Analysis finished")

	return report, nil
}

// Matched returns the total number of matched lines across all filters.
func (r *Report) Matched() int {
	total := 0
	for _, hits := range r.FilterHits {
		total += hits
	}
	return total
}

// String renders the report as a plain table for the CLI.
func (r *Report) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "rule:      %s\n", r.Rule)
	fmt.Fprintf(&b, "file:      %s\n", r.File)
	fmt.Fprintf(&b, "lines:     %d\n", r.TotalLines)
	fmt.Fprintf(&b, "matched:   %d\n", r.Matched())
	for i, hits := range r.FilterHits {
		fmt.Fprintf(&b, "  filter %d: %d\n", i, hits)
	}
	fmt.Fprintf(&b, "addresses: %d\n", len(r.Addresses))
	for _, addr := range r.Addresses {
		fmt.Fprintf(&b, "  %s\n", addr)
	}

	return b.String()
}
