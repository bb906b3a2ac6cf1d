package watcher

import (
	"context"
	"fmt"
	"io"

	"github.com/nxadm/tail"
	"github.com/rs/zerolog"

	"github.com/dnaka91/veto/internal/domain"
)

// Line is one complete log line attributed to the rule watching the file.
type Line struct {
	Rule string
	Text string
}

// Watcher produces the stream of lines for a single rule: everything
// already in the file at startup, then every line appended afterwards.
// Rotation, truncation and recreation of the target are handled by the
// tailer's reopen-and-reset semantics; the tailer delivers newline-terminated
// lines, so a partially written trailing line stays buffered until its
// writer finishes it.
type Watcher struct {
	logger zerolog.Logger
	rule   domain.Rule
	tailer *tail.Tail
}

// New opens the rule's file and positions the tailer at the start for the
// initial backfill. A file that cannot be opened here fails the process.
func New(logger zerolog.Logger, rule domain.Rule) (*Watcher, error) {
	tailer, err := tail.TailFile(rule.File, tail.Config{
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrWatcherInit, rule.File, err)
	}

	return &Watcher{
		logger: logger.With().Str("rule", rule.Name).Str("file", rule.File).Logger(),
		rule:   rule,
		tailer: tailer,
	}, nil
}

// Run pumps lines into out until the context is canceled. It blocks and is
// meant to be spawned as the rule's producer task.
func (w *Watcher) Run(ctx context.Context, out chan<- Line) {
	defer w.tailer.Cleanup()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			w.tailer.Stop()
		case <-stop:
		}
	}()

	w.logger.Debug().Msg("Watcher started")

	for line := range w.tailer.Lines {
		if line.Err != nil {
			w.logger.Warn().Err(line.Err).Msg("Read error, tail continues")
			continue
		}

		select {
		case out <- Line{Rule: w.rule.Name, Text: line.Text}:
		case <-ctx.Done():
			// Shutting down: keep draining so the tailer can wind down
			// and close the stream.
		}
	}

	w.logger.Debug().Msg("Watcher stopped")
}

// Backfill reads all existing complete lines of a file and returns once the
// end is reached. Analyze mode uses this instead of a live watcher.
func Backfill(path string, fn func(text string)) error {
	tailer, err := tail.TailFile(path, tail.Config{
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Follow:    false,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrWatcherInit, path, err)
	}
	defer tailer.Cleanup()

	for line := range tailer.Lines {
		if line.Err != nil {
			return fmt.Errorf("read %s: %w", path, line.Err)
		}
		fn(line.Text)
	}

	return nil
}
