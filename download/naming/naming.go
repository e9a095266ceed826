// Package naming derives the on-disk names of dated downloads and recognizes
// them again when the target directory is rotated.
package naming

import (
	"strings"
	"time"
)

// DateLayout is the calendar date embedded in every downloaded file name.
const DateLayout = "2006-01-02"

// DefaultExtension is used when no extension is configured.
const DefaultExtension = "csv"

var replacer = strings.NewReplacer(
	" ", "_",
	".", "_",
	"/", "_",
	"\\", "_",
)

// Sanitize turns a resource identifier into a file name component.
// Spaces, dots and path separators become underscores, so the identifier can
// never be read as an extension or a subdirectory. Sanitize is idempotent.
func Sanitize(identifier string) string {
	return replacer.Replace(identifier)
}

// DatedName returns "<sanitized-identifier>_<YYYY-MM-DD>.<ext>" for the UTC
// calendar day of t.
func DatedName(identifier string, t time.Time, ext string) string {
	return Sanitize(identifier) + "_" + t.UTC().Format(DateLayout) + "." + normalizeExt(ext)
}

func normalizeExt(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return DefaultExtension
	}
	return ext
}

// Scope selects which dated files a Matcher accepts.
type Scope string

const (
	// ScopeIdentifier matches only files produced for the configured identifier.
	ScopeIdentifier Scope = "identifier"
	// ScopeAll matches any "*_YYYY-MM-DD.<ext>" file in the directory.
	ScopeAll Scope = "all"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeIdentifier || s == ScopeAll
}

// Matcher recognizes dated files in a target directory.
type Matcher struct {
	prefix string
	suffix string
	scope  Scope
}

// NewMatcher builds a matcher for identifier's dated files with the given
// extension. With ScopeAll the identifier is ignored.
func NewMatcher(identifier, ext string, scope Scope) Matcher {
	if !scope.Valid() {
		scope = ScopeIdentifier
	}
	return Matcher{
		prefix: Sanitize(identifier) + "_",
		suffix: "." + normalizeExt(ext),
		scope:  scope,
	}
}

// Match reports whether name is a dated file this matcher covers.
func (m Matcher) Match(name string) bool {
	if !strings.HasSuffix(name, m.suffix) {
		return false
	}
	stem := strings.TrimSuffix(name, m.suffix)
	if len(stem) < len(DateLayout)+1 {
		return false
	}
	split := len(stem) - len(DateLayout) - 1
	if stem[split] != '_' || !isDateShaped(stem[split+1:]) {
		return false
	}
	if m.scope == ScopeAll {
		return true
	}
	return stem[:split+1] == m.prefix
}

// ParseDate extracts the embedded date from a name accepted by Match.
func (m Matcher) ParseDate(name string) (time.Time, bool) {
	if !m.Match(name) {
		return time.Time{}, false
	}
	stem := strings.TrimSuffix(name, m.suffix)
	t, err := time.Parse(DateLayout, stem[len(stem)-len(DateLayout):])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// isDateShaped checks the "dddd-dd-dd" shape without validating the calendar,
// matching what a "????-??-??" glob would select for well-formed names.
func isDateShaped(s string) bool {
	if len(s) != len(DateLayout) {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch i {
		case 4, 7:
			if c != '-' {
				return false
			}
		default:
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}
