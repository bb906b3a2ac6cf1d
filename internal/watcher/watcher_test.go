package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnaka91/veto/internal/domain"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func receive(t *testing.T, lines <-chan Line) Line {
	t.Helper()

	select {
	case line := <-lines:
		return line
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a line")
		return Line{}
	}
}

func TestBackfill(t *testing.T) {
	t.Run("reads existing lines", func(t *testing.T) {
		path := writeLog(t, "one\ntwo\nthree\n")

		var got []string
		require.NoError(t, Backfill(path, func(text string) {
			got = append(got, text)
		}))

		assert.Equal(t, []string{"one", "two", "three"}, got)
	})

	t.Run("missing file", func(t *testing.T) {
		err := Backfill(filepath.Join(t.TempDir(), "absent.log"), func(string) {})
		assert.ErrorIs(t, err, domain.ErrWatcherInit)
	})
}

func TestWatcher(t *testing.T) {
	t.Run("missing file fails init", func(t *testing.T) {
		_, err := New(zerolog.Nop(), domain.Rule{
			Name: "web",
			File: filepath.Join(t.TempDir(), "absent.log"),
		})
		assert.ErrorIs(t, err, domain.ErrWatcherInit)
	})

	t.Run("backfills then follows", func(t *testing.T) {
		path := writeLog(t, "first\nsecond\n")

		w, err := New(zerolog.Nop(), domain.Rule{Name: "web", File: path})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		lines := make(chan Line, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			w.Run(ctx, lines)
		}()

		assert.Equal(t, Line{Rule: "web", Text: "first"}, receive(t, lines))
		assert.Equal(t, Line{Rule: "web", Text: "second"}, receive(t, lines))

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
		require.NoError(t, err)
		_, err = f.WriteString("third\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())

		assert.Equal(t, Line{Rule: "web", Text: "third"}, receive(t, lines))

		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("watcher did not stop")
		}
	})
}
