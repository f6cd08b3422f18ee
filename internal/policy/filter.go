package policy

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Filter evaluates content filters. Compiled patterns are cached; patterns
// that fail to compile are cached as nil and never match.
type Filter struct {
	patterns *lru.Cache[string, *regexp.Regexp]
}

// NewFilter returns a Filter caching up to size compiled patterns.
//
// Precondition: size > 0.
func NewFilter(size int) (*Filter, error) {
	cache, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		return nil, fmt.Errorf("creating pattern cache: %w", err)
	}
	return &Filter{patterns: cache}, nil
}

// ShouldForward reports whether message passes f.
//
// Length is counted in characters. Blacklist mode rejects a message containing
// any keyword (case-insensitive) or matching any pattern (case-insensitive).
// Whitelist mode accepts only messages starting with one of the prefixes or
// matching one of the patterns. Any other mode accepts.
func (f *Filter) ShouldForward(message string, filters Filters) bool {
	n := utf8.RuneCountInString(message)
	if n < filters.MinMessageLength || n > filters.MaxMessageLength {
		return false
	}

	switch filters.FilterMode {
	case FilterBlacklist:
		lower := strings.ToLower(message)
		for _, kw := range filters.BlacklistKeywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return false
			}
		}
		for _, p := range filters.BlacklistRegex {
			if f.matches(p, true, message) {
				return false
			}
		}
		return true
	case FilterWhitelist:
		for _, prefix := range filters.WhitelistPrefixes {
			if strings.HasPrefix(message, prefix) {
				return true
			}
		}
		for _, p := range filters.WhitelistRegex {
			if f.matches(p, false, message) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func (f *Filter) matches(pattern string, foldCase bool, message string) bool {
	key := pattern
	if foldCase {
		key = "(?i)" + pattern
	}
	re, ok := f.patterns.Get(key)
	if !ok {
		compiled, err := regexp.Compile(key)
		if err != nil {
			compiled = nil
		}
		f.patterns.Add(key, compiled)
		re = compiled
	}
	return re != nil && re.MatchString(message)
}
