package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/dnaka91/veto/internal/blocklist"
	"github.com/dnaka91/veto/internal/config"
	"github.com/dnaka91/veto/internal/domain"
	"github.com/dnaka91/veto/internal/pattern"
	"github.com/dnaka91/veto/internal/watcher"
)

// LockFile is the advisory lock inside the state directory that makes it
// process-exclusive.
const LockFile = "veto.lock"

const (
	channelDepth = 256
	drainTimeout = 10 * time.Second

	// The expirer sleeps at most this long when the blocklist is empty; a
	// wake signal arrives whenever an earlier deadline shows up.
	maxIdleWait = time.Hour
)

// geteuid is stubbed in tests.
var geteuid = os.Geteuid

// Firewall is the sink for blocklist events. The production implementation
// drives ipset/iptables; tests substitute a recording fake.
type Firewall interface {
	EnsureInitialized() error
	Apply(ev domain.Event) error
	Teardown() error
}

// Daemon wires watchers, matchers, the blocklist, the expirer and the
// firewall applier together and owns their shutdown order.
type Daemon struct {
	logger   zerolog.Logger
	settings *config.Settings
	stateDir string
	fw       Firewall

	drainTimeout time.Duration
}

// New creates a daemon for the validated settings.
func New(logger zerolog.Logger, settings *config.Settings, stateDir string, fw Firewall) *Daemon {
	return &Daemon{
		logger:       logger,
		settings:     settings,
		stateDir:     stateDir,
		fw:           fw,
		drainTimeout: drainTimeout,
	}
}

// Run brings the pipeline up and blocks until the context is canceled, then
// performs the ordered shutdown: stop watchers, drain in-flight matches,
// write the snapshot, drain the blocklist through the firewall and tear the
// filter rules down.
func (d *Daemon) Run(ctx context.Context) error {
	if geteuid() != 0 {
		return fmt.Errorf("%w: must run as root", domain.ErrFirewallInit)
	}

	if err := os.MkdirAll(d.stateDir, 0o700); err != nil {
		return fmt.Errorf("%w: state directory %s: %v", domain.ErrFirewallInit, d.stateDir, err)
	}

	lock := flock.New(filepath.Join(d.stateDir, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("%w: lock %s: %v", domain.ErrAlreadyRunning, lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w: %s is held", domain.ErrAlreadyRunning, lock.Path())
	}
	defer lock.Unlock()

	// Compile matchers and open all watched files before the firewall is
	// touched, so initialization errors leave no kernel state behind.
	matchers := make(map[string]*pattern.Matcher, len(d.settings.Rules))
	watchers := make([]*watcher.Watcher, 0, len(d.settings.Rules))
	for _, rule := range d.settings.Rules {
		m, err := pattern.NewMatcher(rule)
		if err != nil {
			return err
		}
		matchers[rule.Name] = m

		w, err := watcher.New(d.logger, rule)
		if err != nil {
			return err
		}
		watchers = append(watchers, w)
	}

	if err := d.fw.EnsureInitialized(); err != nil {
		return err
	}

	bl := blocklist.New(d.settings.Whitelist)
	store := blocklist.NewStore(d.stateDir)

	events := make(chan domain.Event, channelDepth)
	wake := make(chan struct{}, 1)

	// Firewall applier: the single consumer of blocklist events. A slow or
	// failing firewall backpressures the whole pipeline through the bounded
	// channel instead of losing events.
	var applierWG sync.WaitGroup
	applierWG.Add(1)
	go func() {
		defer applierWG.Done()
		for ev := range events {
			if err := d.fw.Apply(ev); err != nil {
				d.logger.Error().Err(err).Stringer("addr", ev.Addr).Msg("Firewall apply failed")
			}
		}
	}()

	// Snapshot restore happens before any watcher starts backfilling, so
	// duplicate matches collapse through the idempotent add.
	if entries, err := store.Load(); err != nil {
		d.logger.Warn().Err(err).Msg("Ignoring unreadable snapshot")
	} else if len(entries) > 0 {
		restored := bl.Restore(entries, time.Now())
		d.logger.Info().Int("restored", len(restored)).Msg("Restored snapshot")
		for _, ev := range restored {
			events <- ev
		}
	}

	lines := make(chan watcher.Line, channelDepth)

	var producerWG sync.WaitGroup
	for _, w := range watchers {
		producerWG.Add(1)
		go func(w *watcher.Watcher) {
			defer producerWG.Done()
			w.Run(ctx, lines)
		}(w)
	}
	go func() {
		producerWG.Wait()
		close(lines)
	}()

	// Matcher stage and blocklist coordinator.
	var coordWG sync.WaitGroup
	coordWG.Add(1)
	go func() {
		defer coordWG.Done()
		for line := range lines {
			m, ok := matchers[line.Rule]
			if !ok {
				continue
			}

			addr, matched := m.Classify(line.Text)
			if !matched {
				continue
			}

			ev := bl.Add(addr, m.Rule(), time.Now())
			switch ev.Kind {
			case domain.EventAdded:
				d.logger.Info().Stringer("addr", addr).Str("rule", line.Rule).Msg("Blocking address")
			case domain.EventExtended:
				d.logger.Debug().Stringer("addr", addr).Str("rule", line.Rule).Msg("Extending block")
			case domain.EventIgnored:
				d.logger.Debug().Stringer("addr", addr).Str("rule", line.Rule).Msg("Whitelisted, ignoring")
				continue
			case domain.EventUnchanged:
				continue
			}

			events <- ev

			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()

	// Expirer: sleeps until the soonest deadline, woken early when an add
	// produces an earlier one.
	expCtx, stopExpirer := context.WithCancel(context.Background())
	var expirerWG sync.WaitGroup
	expirerWG.Add(1)
	go func() {
		defer expirerWG.Done()
		d.expire(expCtx, bl, events, wake)
	}()

	d.logger.Info().Int("rules", len(d.settings.Rules)).Msg("Veto is watching")

	<-ctx.Done()
	d.logger.Info().Msg("Shutting down")

	// Watchers observe the canceled context and close the line stream; the
	// coordinator drains it. A stalled drain aborts shutdown after a bounded
	// wait, with the snapshot still written from the last committed state.
	drained := make(chan struct{})
	go func() {
		producerWG.Wait()
		coordWG.Wait()
		close(drained)
	}()

	incomplete := false
	select {
	case <-drained:
	case <-time.After(d.drainTimeout):
		incomplete = true
		d.logger.Warn().Err(domain.ErrShutdownIncomplete).Msg("Drain stalled, aborting shutdown")
	}

	stopExpirer()
	expirerWG.Wait()

	if err := store.Write(bl.Snapshot()); err != nil {
		d.logger.Error().Err(err).Msg("Failed to write snapshot")
	} else {
		d.logger.Info().Int("entries", bl.Len()).Msg("Snapshot written")
	}

	if incomplete {
		// Producers may still hold the event channel; leave the kernel
		// state in place rather than race the teardown.
		return domain.ErrShutdownIncomplete
	}

	for _, ev := range bl.Drain() {
		events <- ev
	}
	close(events)
	applierWG.Wait()

	if err := d.fw.Teardown(); err != nil {
		d.logger.Warn().Err(err).Msg("Firewall teardown failed")
	}

	d.logger.Info().Msg("Shutdown complete")
	return nil
}

// expire removes due blocklist entries, forwarding each removal to the
// firewall applier.
func (d *Daemon) expire(ctx context.Context, bl *blocklist.Blocklist, events chan<- domain.Event, wake <-chan struct{}) {
	timer := time.NewTimer(maxIdleWait)
	stopTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	stopTimer()

	for {
		wait := maxIdleWait
		if next, ok := bl.NextExpiry(); ok {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			stopTimer()
			return
		case <-wake:
			stopTimer()
		case <-timer.C:
			for _, ev := range bl.Tick(time.Now()) {
				d.logger.Info().Stringer("addr", ev.Addr).Str("rule", ev.Rule).Msg("Block expired")
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
