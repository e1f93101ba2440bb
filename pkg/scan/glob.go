// KEYS filters the listed cache keys with a glob pattern; the following module implements glob matching.

package scan

import (
	"fmt"
	"iter"
	"strings"

	"v.io/v23/glob"
)

// globMetaChars are the characters that make a pattern more than a literal key.
const globMetaChars = `*?[\`

// MatchGlob yields the `keys` matching the glob `pattern`. Cache keys never contain '/', so patterns spanning more
// than one path element match nothing. Patterns without metacharacters match literally; glob would read "..." as a
// recursive wildcard, yet it is a valid key.
func MatchGlob(pattern string, keys iter.Seq[string]) (iter.Seq[string], error) {
	if !strings.ContainsAny(pattern, globMetaChars) {
		return filter(keys, func(key string) bool { return key == pattern }), nil
	}
	parsedPattern, err := glob.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	if parsedPattern.Len() != 1 {
		return func(yield func(string) bool) {}, nil
	}
	return filter(keys, parsedPattern.Head().Match), nil
}

func filter(keys iter.Seq[string], keep func(string) bool) iter.Seq[string] {
	return func(yield func(string) bool) {
		for key := range keys {
			if keep(key) && !yield(key) {
				return
			}
		}
	}
}
