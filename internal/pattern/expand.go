package pattern

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dnaka91/veto/internal/domain"
)

// Placeholder tokens recognized in filter patterns.
const (
	tokenHost   = "<HOST>"
	tokenTime   = "<TIME>"
	tokenMethod = "<METHOD>"
)

// Sub-patterns substituted for the placeholder tokens. The host alternation
// accepts dotted IPv4 plus bracketed and bare IPv6 literals; whitespace can
// never match. Validation of the captured text happens after the match, when
// it is parsed as an address.
const (
	hostExpansion   = `(?P<host>(?:\d{1,3}\.){3}\d{1,3}|\[[0-9A-Fa-f:.]+\]|[0-9A-Fa-f:]*:[0-9A-Fa-f:.]+)`
	timeExpansion   = `(?P<time>\d{2}/[A-Z][a-z]{2}/\d{4}:\d{2}:\d{2}:\d{2} [+-]\d{4})`
	methodExpansion = `(?P<method>[A-Z]{3,7})`
)

// Expand rewrites the placeholder tokens of a filter pattern into named
// captures and compiles the result. The pattern must contain <HOST> exactly
// outside of any existing named group.
func Expand(source string) (*regexp.Regexp, error) {
	if !strings.Contains(source, tokenHost) {
		return nil, fmt.Errorf("%w: missing %s placeholder in %q", domain.ErrBadFilter, tokenHost, source)
	}

	for _, token := range []string{tokenHost, tokenTime, tokenMethod} {
		if tokenInsideGroup(source, token) {
			return nil, fmt.Errorf("%w: %s inside a named group in %q", domain.ErrBadFilter, token, source)
		}
	}

	expanded := strings.NewReplacer(
		tokenHost, hostExpansion,
		tokenTime, timeExpansion,
		tokenMethod, methodExpansion,
	).Replace(source)

	re, err := regexp.Compile(expanded)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", domain.ErrBadFilter, source, err)
	}

	return re, nil
}

// tokenInsideGroup reports whether any occurrence of token sits inside a
// (?P<...>) group of the pattern source. Parens are tracked with a small
// stack so nested plain groups do not confuse the check.
func tokenInsideGroup(source, token string) bool {
	var stack []bool // true when the open paren started a named group
	named := 0

	for i := 0; i < len(source); i++ {
		switch source[i] {
		case '\\':
			i++ // skip escaped character
		case '(':
			isNamed := strings.HasPrefix(source[i:], "(?P<")
			stack = append(stack, isNamed)
			if isNamed {
				named++
			}
		case ')':
			if n := len(stack); n > 0 {
				if stack[n-1] {
					named--
				}
				stack = stack[:n-1]
			}
		default:
			if named > 0 && strings.HasPrefix(source[i:], token) {
				return true
			}
		}
	}

	return false
}
