// Package secret parses secret references, resolves them through pluggable
// providers, and caches resolved values with a TTL.
package secret

import (
	"regexp"

	"github.com/liliang-cn/markflow/pkg/flowerr"
)

// Reference is the parsed form of a secret reference string.
type Reference struct {
	Provider string
	Path     string
	Key      string
}

// referenceRegex matches both accepted textual forms:
//
//	${secret:<provider>://<path>[#<key>]}
//	secret:<provider>://<path>[#<key>]
var referenceRegex = regexp.MustCompile(`^(?:\$\{secret:|secret:)([A-Za-z0-9_-]+)://([^#}]+)(?:#([^}]+))?(\})?$`)

// IsReference reports whether the string looks like a secret reference.
func IsReference(s string) bool {
	_, err := ParseReference(s)
	return err == nil
}

// ParseReference parses a secret reference string. Anything that does not
// match either textual form is rejected; callers treat such strings as
// literals.
func ParseReference(s string) (Reference, error) {
	m := referenceRegex.FindStringSubmatch(s)
	if m == nil {
		return Reference{}, flowerr.Newf(flowerr.KindInvalidConfig, "not a secret reference: %q", s)
	}

	// The long form must close its brace, the short form must not.
	long := len(s) > 2 && s[0] == '$'
	closed := m[4] == "}"
	if long != closed {
		return Reference{}, flowerr.Newf(flowerr.KindInvalidConfig, "malformed secret reference: %q", s)
	}

	return Reference{Provider: m[1], Path: m[2], Key: m[3]}, nil
}

// String renders the reference in the short textual form.
func (r Reference) String() string {
	s := "secret:" + r.Provider + "://" + r.Path
	if r.Key != "" {
		s += "#" + r.Key
	}
	return s
}
