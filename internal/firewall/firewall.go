package firewall

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dnaka91/veto/internal/config"
	"github.com/dnaka91/veto/internal/domain"
)

// Named kernel sets referenced by the filter rules, one per family.
const (
	SetNameV4 = "veto4"
	SetNameV6 = "veto6"
)

const (
	setHashSize = 1024
	setMaxElem  = 65536

	applyAttempts = 3
	applyBackoff  = 250 * time.Millisecond
)

// Service reconciles blocklist membership with the kernel ipsets through the
// external ipset/iptables tooling. All operations are idempotent: existing
// sets and rules are reused, "already added"/"not added" outcomes count as
// success.
type Service struct {
	logger      zerolog.Logger
	ipsetCmd    *IpsetCommandService
	iptablesCmd *IptablesCommandService
	target      config.Target
	sleep       func(time.Duration)
}

// NewService creates a firewall service applying the given disposition.
func NewService(logger zerolog.Logger, run Runner, target config.Target) *Service {
	return &Service{
		logger:      logger,
		ipsetCmd:    NewIpsetCommandService(logger, run),
		iptablesCmd: NewIptablesCommandService(logger, run),
		target:      target,
		sleep:       time.Sleep,
	}
}

// EnsureInitialized creates the named sets if missing and installs the
// filter rules in INPUT and FORWARD for both families, exactly once.
func (s *Service) EnsureInitialized() error {
	s.logger.Info().Str("target", string(s.target)).Msg("Setting up firewall")

	if err := s.initFamily(IPv4, SetNameV4, FamilyIPv4); err != nil {
		return fmt.Errorf("%w: IPv4: %v", domain.ErrFirewallInit, err)
	}
	if err := s.initFamily(IPv6, SetNameV6, FamilyIPv6); err != nil {
		return fmt.Errorf("%w: IPv6: %v", domain.ErrFirewallInit, err)
	}

	s.logger.Info().Msg("Firewall ready")
	return nil
}

func (s *Service) initFamily(version IPVersion, setName string, family Family) error {
	if !s.ipsetCmd.Exists(setName) {
		s.logger.Info().Str("set", setName).Str("family", string(family)).Msg("Creating set")
		if err := s.ipsetCmd.CreateHashIP(setName, family, setHashSize, setMaxElem); err != nil {
			return fmt.Errorf("failed to create set %s: %w", setName, err)
		}
	}

	rule := s.ruleSpec(setName)
	for _, chain := range []Chain{ChainInput, ChainForward} {
		if s.iptablesCmd.RuleExists(version, TableFilter, chain, rule) {
			continue
		}
		s.logger.Info().
			Str("chain", string(chain)).
			Str("set", setName).
			Msg("Installing filter rule")
		if err := s.iptablesCmd.AppendRule(version, TableFilter, chain, rule); err != nil {
			return fmt.Errorf("failed to install rule in %s: %w", chain, err)
		}
	}

	return nil
}

// Apply makes one blocklist event effective. Added and Extended insert the
// address into its family's set, Removed deletes it. Failures other than the
// tolerated "already present"/"not present" outcomes are retried with
// exponential backoff; a permanent failure is returned but must not stop the
// caller from processing further events.
func (s *Service) Apply(ev domain.Event) error {
	setName := SetNameV4
	if ev.Addr.Is6() && !ev.Addr.Is4In6() {
		setName = SetNameV6
	}
	entry := addrString(ev.Addr)

	switch ev.Kind {
	case domain.EventAdded, domain.EventExtended:
		return s.withRetry("add", entry, func() error {
			err := s.ipsetCmd.Add(setName, entry)
			if err != nil && isAlreadyPresent(err) {
				return nil
			}
			return err
		})
	case domain.EventRemoved:
		return s.withRetry("delete", entry, func() error {
			err := s.ipsetCmd.Delete(setName, entry)
			if err != nil && isNotPresent(err) {
				return nil
			}
			return err
		})
	default:
		return nil
	}
}

// Teardown drains both sets and removes the filter rules so the process
// leaves no residue behind.
func (s *Service) Teardown() error {
	s.logger.Info().Msg("Tearing down firewall")

	var firstErr error
	for _, fam := range []struct {
		version IPVersion
		setName string
	}{
		{IPv4, SetNameV4},
		{IPv6, SetNameV6},
	} {
		rule := s.ruleSpec(fam.setName)
		for _, chain := range []Chain{ChainInput, ChainForward} {
			if !s.iptablesCmd.RuleExists(fam.version, TableFilter, chain, rule) {
				continue
			}
			if err := s.iptablesCmd.DeleteRule(fam.version, TableFilter, chain, rule); err != nil {
				s.logger.Warn().Err(err).Str("chain", string(chain)).Msg("Failed to remove filter rule")
				if firstErr == nil {
					firstErr = err
				}
			}
		}

		if !s.ipsetCmd.Exists(fam.setName) {
			continue
		}
		if err := s.ipsetCmd.Flush(fam.setName); err != nil {
			s.logger.Warn().Err(err).Str("set", fam.setName).Msg("Failed to flush set")
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := s.ipsetCmd.Destroy(fam.setName); err != nil {
			s.logger.Warn().Err(err).Str("set", fam.setName).Msg("Failed to destroy set")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func (s *Service) ruleSpec(setName string) []string {
	return NewRuleBuilder().
		MatchSet(setName, "src").
		Jump(s.target.Jump()).
		Build()
}

func (s *Service) withRetry(op, entry string, fn func() error) error {
	backoff := applyBackoff

	var err error
	for attempt := 1; attempt <= applyAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		s.logger.Warn().
			Err(err).
			Str("op", op).
			Str("entry", entry).
			Int("attempt", attempt).
			Msg("Firewall command failed")

		if attempt < applyAttempts {
			s.sleep(backoff)
			backoff *= 2
		}
	}

	return fmt.Errorf("firewall %s %s: %w", op, entry, err)
}

// addrString renders the address for the ipset command line. IPv4-mapped
// addresses go to the v4 set in dotted form.
func addrString(addr netip.Addr) string {
	return addr.Unmap().String()
}

func isAlreadyPresent(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already added") ||
		strings.Contains(msg, "Element cannot be added")
}

func isNotPresent(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not added") ||
		strings.Contains(msg, "Element cannot be deleted") ||
		strings.Contains(msg, "is NOT in set")
}
