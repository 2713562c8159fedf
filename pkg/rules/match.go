package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// matcher holds the compiled form of one glob pattern.
type matcher struct {
	re *regexp.Regexp
}

// compileGlob translates a path glob into an anchored case-insensitive
// regexp. `*` stands for exactly one path segment, `**` for any remaining
// suffix including none.
func compileGlob(pattern string) (*matcher, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if !strings.HasPrefix(pattern, "/") {
		pattern = "/" + pattern
	}
	var b strings.Builder
	b.WriteString("(?i)^")
	segments := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	for i, seg := range segments {
		if seg == "**" {
			if i != len(segments)-1 {
				return nil, fmt.Errorf("pattern %q: ** is only valid as the final segment", pattern)
			}
			// Optional so /a/** also matches /a and /a/.
			b.WriteString("(/.*)?$")
			re, err := regexp.Compile(b.String())
			if err != nil {
				return nil, err
			}
			return &matcher{re: re}, nil
		}
		b.WriteString("/")
		if seg == "*" {
			b.WriteString("[^/]+")
			continue
		}
		b.WriteString(regexp.QuoteMeta(seg))
	}
	b.WriteString("/?$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	return &matcher{re: re}, nil
}

func (m *matcher) match(path string) bool {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return m.re.MatchString(path)
}
