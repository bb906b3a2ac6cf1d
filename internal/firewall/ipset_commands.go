package firewall

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// IpsetCommandService provides high-level ipset operations
type IpsetCommandService struct {
	logger zerolog.Logger
	run    Runner
}

// NewIpsetCommandService creates a new ipset command service
func NewIpsetCommandService(logger zerolog.Logger, run Runner) *IpsetCommandService {
	return &IpsetCommandService{
		logger: logger,
		run:    run,
	}
}

// SetType represents ipset set type
type SetType string

const (
	SetTypeHashIP  SetType = "hash:ip"
	SetTypeHashNet SetType = "hash:net"
)

// Family represents IP family
type Family string

const (
	FamilyIPv4 Family = "inet"
	FamilyIPv6 Family = "inet6"
)

// CreateSetOptions contains options for creating an ipset set
type CreateSetOptions struct {
	Name     string
	Type     SetType
	Family   Family
	HashSize int
	MaxElem  int
}

// Create creates a new ipset set
func (s *IpsetCommandService) Create(opts CreateSetOptions) error {
	s.logger.Debug().
		Str("name", opts.Name).
		Str("type", string(opts.Type)).
		Str("family", string(opts.Family)).
		Msg("Creating ipset set")

	args := []string{"create", opts.Name, string(opts.Type)}

	if opts.Family != "" {
		args = append(args, "family", string(opts.Family))
	}

	if opts.HashSize > 0 {
		args = append(args, "hashsize", fmt.Sprintf("%d", opts.HashSize))
	}

	if opts.MaxElem > 0 {
		args = append(args, "maxelem", fmt.Sprintf("%d", opts.MaxElem))
	}

	return s.run.Run("ipset", args...)
}

// CreateHashIP creates a hash:ip type set (convenience method)
func (s *IpsetCommandService) CreateHashIP(name string, family Family, hashSize, maxElem int) error {
	return s.Create(CreateSetOptions{
		Name:     name,
		Type:     SetTypeHashIP,
		Family:   family,
		HashSize: hashSize,
		MaxElem:  maxElem,
	})
}

// Destroy destroys an ipset set
func (s *IpsetCommandService) Destroy(name string) error {
	s.logger.Debug().Str("name", name).Msg("Destroying ipset set")
	return s.run.Run("ipset", "destroy", name)
}

// Flush flushes all entries from an ipset set
func (s *IpsetCommandService) Flush(name string) error {
	s.logger.Debug().Str("name", name).Msg("Flushing ipset set")
	return s.run.Run("ipset", "flush", name)
}

// Add adds an entry to an ipset set
func (s *IpsetCommandService) Add(setName, entry string) error {
	return s.run.Run("ipset", "add", setName, entry)
}

// Delete removes an entry from an ipset set
func (s *IpsetCommandService) Delete(setName, entry string) error {
	return s.run.Run("ipset", "del", setName, entry)
}

// Test tests if an entry exists in an ipset set
func (s *IpsetCommandService) Test(setName, entry string) (bool, error) {
	err := s.run.Run("ipset", "test", setName, entry)
	if err != nil {
		// ipset test returns error if entry doesn't exist
		if strings.Contains(err.Error(), "is NOT in set") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Exists checks if an ipset set exists
func (s *IpsetCommandService) Exists(name string) bool {
	_, err := s.run.RunOutputQuiet("ipset", "list", name)
	return err == nil
}
