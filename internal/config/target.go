package config

import (
	"fmt"

	"github.com/dnaka91/veto/internal/domain"
)

// Target is the packet-filter disposition applied to blocked sources.
type Target string

const (
	TargetDrop   Target = "Drop"
	TargetReject Target = "Reject"
	TargetTarpit Target = "Tarpit"
)

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (t *Target) UnmarshalText(text []byte) error {
	switch Target(text) {
	case TargetDrop, TargetReject, TargetTarpit:
		*t = Target(text)
		return nil
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownTarget, string(text))
	}
}

// Jump returns the iptables jump target for the disposition.
func (t Target) Jump() string {
	switch t {
	case TargetReject:
		return "REJECT"
	case TargetTarpit:
		return "TARPIT"
	default:
		return "DROP"
	}
}
