package pattern

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnaka91/veto/internal/domain"
)

func rule(filters []string, blacklists map[string][]string) domain.Rule {
	return domain.Rule{
		Name:       "test",
		File:       "/var/log/test.log",
		Filters:    filters,
		Blacklists: blacklists,
		Timeout:    time.Minute,
	}
}

func TestMatcherClassify(t *testing.T) {
	t.Run("simple access log match", func(t *testing.T) {
		m, err := NewMatcher(rule([]string{`^<HOST> - - \[<TIME>\] "GET`}, nil))
		require.NoError(t, err)

		addr, ok := m.Classify(`203.0.113.7 - - [17/Jul/2020:04:02:12 +0000] "GET /index HTTP/1.1" 200 12 "-" "-"`)
		require.True(t, ok)
		assert.Equal(t, netip.MustParseAddr("203.0.113.7"), addr)

		_, ok = m.Classify(`203.0.113.7 - - [17/Jul/2020:04:02:12 +0000] "POST /index HTTP/1.1" 200 12 "-" "-"`)
		assert.False(t, ok)
	})

	t.Run("invalid host capture stops classification", func(t *testing.T) {
		m, err := NewMatcher(rule([]string{`^<HOST> fail`, `^skip <HOST>`}, nil))
		require.NoError(t, err)

		// The first filter matches but captures a nonsense address; later
		// filters must not run.
		_, ok := m.Classify(`999.999.999.999 fail`)
		assert.False(t, ok)
	})

	t.Run("first filter in declaration order wins", func(t *testing.T) {
		m, err := NewMatcher(rule([]string{`^<HOST> hit`, `^<HOST>`}, nil))
		require.NoError(t, err)

		_, idx, ok := m.ClassifyIndexed(`192.0.2.1 hit`)
		require.True(t, ok)
		assert.Equal(t, 0, idx)

		_, idx, ok = m.ClassifyIndexed(`192.0.2.1 miss`)
		require.True(t, ok)
		assert.Equal(t, 1, idx)
	})

	t.Run("ipv6 host", func(t *testing.T) {
		m, err := NewMatcher(rule([]string{`^<HOST> `}, nil))
		require.NoError(t, err)

		addr, ok := m.Classify(`[2001:db8::1] connect`)
		require.True(t, ok)
		assert.Equal(t, netip.MustParseAddr("2001:db8::1"), addr)
	})
}

func TestMatcherBlacklists(t *testing.T) {
	filters := []string{`^<HOST> "(?P<method>[A-Z]+) (?P<path>\S+)" "(?P<ua>[^"]*)"`}
	blacklists := map[string][]string{
		"path": {"php"},
		"ua":   {"scraper"},
	}

	m, err := NewMatcher(rule(filters, blacklists))
	require.NoError(t, err)

	tests := []struct {
		name string
		line string
		want bool
	}{
		{"neither group hits", `1.2.3.4 "GET /index.html" "curl/7"`, false},
		{"only path hits", `1.2.3.4 "GET /wp.php" "curl/7"`, false},
		{"only ua hits", `1.2.3.4 "GET /index.html" "MyScraper/1.0"`, false},
		{"both hit", `1.2.3.4 "GET /wp.php" "MyScraper/1.0"`, true},
		{"case insensitive", `1.2.3.4 "GET /WP.PHP" "myscraper"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, ok := m.Classify(tt.line)
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Equal(t, netip.MustParseAddr("1.2.3.4"), addr)
			}
		})
	}

	t.Run("filter without the group cannot match", func(t *testing.T) {
		m, err := NewMatcher(rule(
			[]string{`^<HOST> "(?P<method>[A-Z]+) (?P<path>\S+)" "(?P<ua>[^"]*)"`, `^<HOST> plain`},
			map[string][]string{"path": {"php"}, "ua": {"scraper"}},
		))
		require.NoError(t, err)

		_, ok := m.Classify(`1.2.3.4 plain`)
		assert.False(t, ok)
	})
}

func TestMatcherBuildErrors(t *testing.T) {
	t.Run("unknown blacklist group", func(t *testing.T) {
		_, err := NewMatcher(rule([]string{`^<HOST>`}, map[string][]string{"path": {"php"}}))
		assert.ErrorIs(t, err, domain.ErrUnknownBlacklistGroup)
	})

	t.Run("bad filter", func(t *testing.T) {
		_, err := NewMatcher(rule([]string{`no host`}, nil))
		assert.ErrorIs(t, err, domain.ErrBadFilter)
	})
}
