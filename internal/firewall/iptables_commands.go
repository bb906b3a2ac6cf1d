package firewall

import (
	"github.com/rs/zerolog"
)

// IptablesCommandService provides high-level iptables/ip6tables operations
type IptablesCommandService struct {
	logger zerolog.Logger
	run    Runner
}

// NewIptablesCommandService creates a new iptables command service
func NewIptablesCommandService(logger zerolog.Logger, run Runner) *IptablesCommandService {
	return &IptablesCommandService{
		logger: logger,
		run:    run,
	}
}

// IPVersion represents IP version
type IPVersion string

const (
	IPv4 IPVersion = "ipv4"
	IPv6 IPVersion = "ipv6"
)

// Table represents iptables table
type Table string

const (
	TableFilter Table = "filter"
)

// Chain represents iptables chain
type Chain string

const (
	ChainInput   Chain = "INPUT"
	ChainForward Chain = "FORWARD"
)

// getCommand returns the appropriate command for the IP version
func (s *IptablesCommandService) getCommand(version IPVersion) string {
	if version == IPv6 {
		return "ip6tables"
	}
	return "iptables"
}

// RuleExists checks if a rule exists in a chain
func (s *IptablesCommandService) RuleExists(version IPVersion, table Table, chain Chain, ruleSpec []string) bool {
	cmd := s.getCommand(version)
	args := append([]string{"-t", string(table), "-C", string(chain)}, ruleSpec...)
	err := s.run.RunQuiet(cmd, args...)
	return err == nil
}

// AppendRule appends a rule to a chain
func (s *IptablesCommandService) AppendRule(version IPVersion, table Table, chain Chain, ruleSpec []string) error {
	cmd := s.getCommand(version)
	s.logger.Debug().
		Str("version", string(version)).
		Str("chain", string(chain)).
		Strs("rule", ruleSpec).
		Msg("Appending rule")

	args := append([]string{"-t", string(table), "-A", string(chain)}, ruleSpec...)
	return s.run.Run(cmd, args...)
}

// DeleteRule deletes a rule from a chain
func (s *IptablesCommandService) DeleteRule(version IPVersion, table Table, chain Chain, ruleSpec []string) error {
	cmd := s.getCommand(version)
	s.logger.Debug().
		Str("version", string(version)).
		Str("chain", string(chain)).
		Strs("rule", ruleSpec).
		Msg("Deleting rule")

	args := append([]string{"-t", string(table), "-D", string(chain)}, ruleSpec...)
	return s.run.Run(cmd, args...)
}

// RuleBuilder helps build iptables rules
type RuleBuilder struct {
	spec []string
}

// NewRuleBuilder creates a new rule builder
func NewRuleBuilder() *RuleBuilder {
	return &RuleBuilder{
		spec: make([]string, 0),
	}
}

// MatchSet adds ipset match
func (rb *RuleBuilder) MatchSet(setName, flag string) *RuleBuilder {
	rb.spec = append(rb.spec, "-m", "set", "--match-set", setName, flag)
	return rb
}

// Comment adds a comment
func (rb *RuleBuilder) Comment(comment string) *RuleBuilder {
	rb.spec = append(rb.spec, "-m", "comment", "--comment", comment)
	return rb
}

// Jump sets the target/jump
func (rb *RuleBuilder) Jump(target string) *RuleBuilder {
	rb.spec = append(rb.spec, "-j", target)
	return rb
}

// Build returns the rule specification
func (rb *RuleBuilder) Build() []string {
	return rb.spec
}
