package config

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dnaka91/veto/internal/domain"
	"github.com/dnaka91/veto/internal/pattern"
)

// File is the raw TOML shape of the configuration file.
type File struct {
	Whitelist []string               `toml:"whitelist"`
	Ipset     IpsetSection           `toml:"ipset"`
	Rules     map[string]RuleSection `toml:"rules"`
}

// IpsetSection configures the packet-filter disposition for blocked sources.
type IpsetSection struct {
	Target Target `toml:"target"`
}

// RuleSection is one rules.<name> table.
type RuleSection struct {
	File       string              `toml:"file"`
	Filters    []string            `toml:"filters"`
	Timeout    Duration            `toml:"timeout"`
	Ports      []uint16            `toml:"ports"`
	Blacklists map[string][]string `toml:"blacklists"`
}

// Settings is the validated configuration record handed to the daemon.
type Settings struct {
	Whitelist []netip.Prefix
	Target    Target
	Rules     []domain.Rule
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Settings, error) {
	var file File
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return file.Validate()
}

// Validate checks every constraint the daemon relies on and produces the
// settings record. All filters and blacklist screens are compiled once here
// so that pattern errors surface before anything is started.
func (f *File) Validate() (*Settings, error) {
	whitelist := make([]netip.Prefix, 0, len(f.Whitelist))
	for _, cidr := range f.Whitelist {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("whitelist entry %q: %w", cidr, err)
		}
		whitelist = append(whitelist, prefix)
	}

	if f.Ipset.Target == "" {
		f.Ipset.Target = TargetDrop
	}

	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("no rules configured")
	}

	names := make([]string, 0, len(f.Rules))
	for name := range f.Rules {
		names = append(names, name)
	}
	sort.Strings(names)

	rules := make([]domain.Rule, 0, len(names))
	for _, name := range names {
		section := f.Rules[name]

		if section.File == "" {
			return nil, fmt.Errorf("rule %q: missing file", name)
		}
		if len(section.Filters) == 0 {
			return nil, fmt.Errorf("rule %q: %w: no filters", name, domain.ErrBadFilter)
		}
		if section.Timeout <= 0 {
			return nil, fmt.Errorf("rule %q: %w: timeout must be positive", name, domain.ErrBadDuration)
		}

		rule := domain.Rule{
			Name:       name,
			File:       section.File,
			Filters:    section.Filters,
			Blacklists: section.Blacklists,
			Timeout:    time.Duration(section.Timeout),
			Ports:      section.Ports,
		}

		// Compiles filters and screens; reports ErrBadFilter and
		// ErrUnknownBlacklistGroup for this rule.
		if _, err := pattern.NewMatcher(rule); err != nil {
			return nil, fmt.Errorf("rule %q: %w", name, err)
		}

		rules = append(rules, rule)
	}

	return &Settings{
		Whitelist: whitelist,
		Target:    f.Ipset.Target,
		Rules:     rules,
	}, nil
}

// Rule returns the named rule, if configured.
func (s *Settings) Rule(name string) (domain.Rule, bool) {
	for _, rule := range s.Rules {
		if rule.Name == name {
			return rule, true
		}
	}

	return domain.Rule{}, false
}
