package firewall

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnaka91/veto/internal/config"
	"github.com/dnaka91/veto/internal/domain"
)

// fakeRunner models the ipset/iptables tooling in memory, including the
// "already added"/"not added" error texts the adapter must tolerate.
type fakeRunner struct {
	sets    map[string]map[string]bool
	rules   map[string]bool
	calls   []string
	addErrs int // inject this many failures into ipset add
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		sets:  make(map[string]map[string]bool),
		rules: make(map[string]bool),
	}
}

func (f *fakeRunner) Run(name string, args ...string) error {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))

	switch name {
	case "ipset":
		return f.ipset(args)
	case "iptables", "ip6tables":
		return f.iptables(name, args)
	}
	return nil
}

func (f *fakeRunner) ipset(args []string) error {
	switch args[0] {
	case "create":
		f.sets[args[1]] = make(map[string]bool)
		return nil
	case "add":
		if f.addErrs > 0 {
			f.addErrs--
			return errors.New("ipset v7.15: Kernel error received: busy")
		}
		set, ok := f.sets[args[1]]
		if !ok {
			return errors.New("The set with the given name does not exist")
		}
		if set[args[2]] {
			return errors.New("Element cannot be added to the set: it's already added")
		}
		set[args[2]] = true
		return nil
	case "del":
		set, ok := f.sets[args[1]]
		if !ok || !set[args[2]] {
			return errors.New("Element cannot be deleted from the set: it's not added")
		}
		delete(set, args[2])
		return nil
	case "flush":
		if _, ok := f.sets[args[1]]; !ok {
			return errors.New("The set with the given name does not exist")
		}
		f.sets[args[1]] = make(map[string]bool)
		return nil
	case "destroy":
		if _, ok := f.sets[args[1]]; !ok {
			return errors.New("The set with the given name does not exist")
		}
		delete(f.sets, args[1])
		return nil
	case "list":
		if _, ok := f.sets[args[1]]; !ok {
			return errors.New("The set with the given name does not exist")
		}
		return nil
	}
	return nil
}

func (f *fakeRunner) iptables(cmd string, args []string) error {
	// Shape: -t filter <op> <chain> spec...
	op, chain := args[2], args[3]
	key := cmd + " " + chain + " " + strings.Join(args[4:], " ")

	switch op {
	case "-C":
		if f.rules[key] {
			return nil
		}
		return errors.New("iptables: No chain/target/match by that name.")
	case "-A":
		f.rules[key] = true
		return nil
	case "-D":
		if !f.rules[key] {
			return errors.New("iptables: No chain/target/match by that name.")
		}
		delete(f.rules, key)
		return nil
	}
	return nil
}

func (f *fakeRunner) RunOutput(name string, args ...string) (string, error) {
	return "", f.Run(name, args...)
}

func (f *fakeRunner) RunQuiet(name string, args ...string) error {
	return f.Run(name, args...)
}

func (f *fakeRunner) RunOutputQuiet(name string, args ...string) (string, error) {
	return "", f.Run(name, args...)
}

func (f *fakeRunner) CommandExists(name string) bool { return true }

func newTestService(run Runner, target config.Target) *Service {
	svc := NewService(zerolog.Nop(), run, target)
	svc.sleep = func(time.Duration) {}
	return svc
}

func added(addr string) domain.Event {
	return domain.Event{Kind: domain.EventAdded, Addr: netip.MustParseAddr(addr)}
}

func removed(addr string) domain.Event {
	return domain.Event{Kind: domain.EventRemoved, Addr: netip.MustParseAddr(addr)}
}

func TestEnsureInitialized(t *testing.T) {
	t.Run("creates sets and rules", func(t *testing.T) {
		run := newFakeRunner()
		svc := newTestService(run, config.TargetDrop)

		require.NoError(t, svc.EnsureInitialized())

		assert.Contains(t, run.sets, SetNameV4)
		assert.Contains(t, run.sets, SetNameV6)
		assert.True(t, run.rules["iptables INPUT -m set --match-set veto4 src -j DROP"])
		assert.True(t, run.rules["iptables FORWARD -m set --match-set veto4 src -j DROP"])
		assert.True(t, run.rules["ip6tables INPUT -m set --match-set veto6 src -j DROP"])
		assert.True(t, run.rules["ip6tables FORWARD -m set --match-set veto6 src -j DROP"])
	})

	t.Run("is idempotent", func(t *testing.T) {
		run := newFakeRunner()
		svc := newTestService(run, config.TargetReject)

		require.NoError(t, svc.EnsureInitialized())
		require.NoError(t, svc.EnsureInitialized())

		creates := 0
		appends := 0
		for _, call := range run.calls {
			if strings.HasPrefix(call, "ipset create") {
				creates++
			}
			if strings.Contains(call, " -A ") {
				appends++
			}
		}
		assert.Equal(t, 2, creates)
		assert.Equal(t, 4, appends)
	})

	t.Run("reject target", func(t *testing.T) {
		run := newFakeRunner()
		svc := newTestService(run, config.TargetReject)

		require.NoError(t, svc.EnsureInitialized())
		assert.True(t, run.rules["iptables INPUT -m set --match-set veto4 src -j REJECT"])
	})
}

func TestApply(t *testing.T) {
	t.Run("added lands in the family set", func(t *testing.T) {
		run := newFakeRunner()
		svc := newTestService(run, config.TargetDrop)
		require.NoError(t, svc.EnsureInitialized())

		require.NoError(t, svc.Apply(added("203.0.113.7")))
		require.NoError(t, svc.Apply(added("2001:db8::1")))

		assert.True(t, run.sets[SetNameV4]["203.0.113.7"])
		assert.True(t, run.sets[SetNameV6]["2001:db8::1"])
	})

	t.Run("already present is success", func(t *testing.T) {
		run := newFakeRunner()
		svc := newTestService(run, config.TargetDrop)
		require.NoError(t, svc.EnsureInitialized())

		require.NoError(t, svc.Apply(added("203.0.113.7")))
		require.NoError(t, svc.Apply(added("203.0.113.7")))
	})

	t.Run("not present removal is success", func(t *testing.T) {
		run := newFakeRunner()
		svc := newTestService(run, config.TargetDrop)
		require.NoError(t, svc.EnsureInitialized())

		require.NoError(t, svc.Apply(removed("203.0.113.7")))
	})

	t.Run("transient failure is retried", func(t *testing.T) {
		run := newFakeRunner()
		run.addErrs = 2
		svc := newTestService(run, config.TargetDrop)
		require.NoError(t, svc.EnsureInitialized())

		require.NoError(t, svc.Apply(added("203.0.113.7")))
		assert.True(t, run.sets[SetNameV4]["203.0.113.7"])
	})

	t.Run("permanent failure is surfaced", func(t *testing.T) {
		run := newFakeRunner()
		run.addErrs = 10
		svc := newTestService(run, config.TargetDrop)
		require.NoError(t, svc.EnsureInitialized())

		assert.Error(t, svc.Apply(added("203.0.113.7")))
	})
}

// The set membership observed through the adapter must mirror the sequence
// of blocklist events.
func TestApplyModel(t *testing.T) {
	run := newFakeRunner()
	svc := newTestService(run, config.TargetDrop)
	require.NoError(t, svc.EnsureInitialized())

	events := []domain.Event{
		added("203.0.113.1"),
		added("203.0.113.2"),
		{Kind: domain.EventExtended, Addr: netip.MustParseAddr("203.0.113.1")},
		added("2001:db8::1"),
		removed("203.0.113.2"),
	}
	for _, ev := range events {
		require.NoError(t, svc.Apply(ev))
	}

	assert.Equal(t, map[string]bool{"203.0.113.1": true}, run.sets[SetNameV4])
	assert.Equal(t, map[string]bool{"2001:db8::1": true}, run.sets[SetNameV6])
}

func TestTeardown(t *testing.T) {
	run := newFakeRunner()
	svc := newTestService(run, config.TargetDrop)
	require.NoError(t, svc.EnsureInitialized())
	require.NoError(t, svc.Apply(added("203.0.113.7")))

	require.NoError(t, svc.Teardown())

	assert.NotContains(t, run.sets, SetNameV4)
	assert.NotContains(t, run.sets, SetNameV6)
	assert.Empty(t, run.rules)
}
