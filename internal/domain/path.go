package domain

import "strings"

// ArchivePathPrefix is the scheme prefix for plaintext archive paths.
const ArchivePathPrefix = "ar:/"

// EncryptedArchivePathPrefix is the scheme prefix for encrypted archive paths.
const EncryptedArchivePathPrefix = "enar:/"

// ArchivePath is a virtual, forward-slashed absolute path rooted at "ar:/".
// Components are case-sensitive, non-empty, and exclude '/'. The root has no
// parent and no components.
type ArchivePath struct {
	components []string
}

// RootArchivePath returns the archive root, "ar:/".
func RootArchivePath() ArchivePath {
	return ArchivePath{}
}

// ParseArchivePath parses "ar:/a/b/c" into an ArchivePath, validating every
// component.
func ParseArchivePath(s string) (ArchivePath, error) {
	if !strings.HasPrefix(s, ArchivePathPrefix) {
		return ArchivePath{}, ErrInvalidPath
	}
	rest := strings.TrimPrefix(s, ArchivePathPrefix)
	if rest == "" {
		return RootArchivePath(), nil
	}
	parts := strings.Split(rest, "/")
	for _, p := range parts {
		if p == "" {
			return ArchivePath{}, ErrInvalidPath
		}
	}
	return ArchivePath{components: parts}, nil
}

// Components returns the path's components, root-to-leaf. The root returns
// an empty (non-nil-distinct) slice.
func (p ArchivePath) Components() []string {
	out := make([]string, len(p.components))
	copy(out, p.components)
	return out
}

// IsRoot reports whether p is the archive root.
func (p ArchivePath) IsRoot() bool {
	return len(p.components) == 0
}

// String renders p back to "ar:/..." form.
func (p ArchivePath) String() string {
	if p.IsRoot() {
		return ArchivePathPrefix
	}
	return ArchivePathPrefix + strings.Join(p.components, "/")
}

// Parent returns the parent of p. Calling Parent on the root is an error.
func (p ArchivePath) Parent() (ArchivePath, error) {
	if p.IsRoot() {
		return ArchivePath{}, ErrInvalidPath
	}
	return ArchivePath{components: p.components[:len(p.components)-1]}, nil
}

// Join appends a single component to p, validating it first.
func (p ArchivePath) Join(component string) (ArchivePath, error) {
	if component == "" || strings.Contains(component, "/") {
		return ArchivePath{}, ErrInvalidPath
	}
	next := make([]string, len(p.components)+1)
	copy(next, p.components)
	next[len(next)-1] = component
	return ArchivePath{components: next}, nil
}

// IsPrefixOf reports whether p is a component-wise prefix of q (p == q
// counts as a prefix).
func (p ArchivePath) IsPrefixOf(q ArchivePath) bool {
	if len(p.components) > len(q.components) {
		return false
	}
	for i, c := range p.components {
		if q.components[i] != c {
			return false
		}
	}
	return true
}

// Equal reports whether p and q have identical components.
func (p ArchivePath) Equal(q ArchivePath) bool {
	return p.IsPrefixOf(q) && len(p.components) == len(q.components)
}

// EncryptedArchivePath is the component-wise SIV-ciphertext form of an
// ArchivePath, base64-url encoded per component and joined with '/'. It has
// the same component count as the ArchivePath it was derived from.
type EncryptedArchivePath struct {
	components []string
}

// RootEncryptedArchivePath returns the encrypted archive root, "enar:/".
func RootEncryptedArchivePath() EncryptedArchivePath {
	return EncryptedArchivePath{}
}

// ParseEncryptedArchivePath parses "enar:/X/Y/Z" without validating the
// base64/AEAD payload of each component (that happens on decryption).
func ParseEncryptedArchivePath(s string) (EncryptedArchivePath, error) {
	if !strings.HasPrefix(s, EncryptedArchivePathPrefix) {
		return EncryptedArchivePath{}, ErrInvalidPath
	}
	rest := strings.TrimPrefix(s, EncryptedArchivePathPrefix)
	if rest == "" {
		return RootEncryptedArchivePath(), nil
	}
	parts := strings.Split(rest, "/")
	for _, p := range parts {
		if p == "" {
			return EncryptedArchivePath{}, ErrInvalidPath
		}
	}
	return EncryptedArchivePath{components: parts}, nil
}

// NewEncryptedArchivePath builds an EncryptedArchivePath from already-encoded
// components, used by the crypto layer after encrypting each plaintext
// component.
func NewEncryptedArchivePath(components []string) EncryptedArchivePath {
	out := make([]string, len(components))
	copy(out, components)
	return EncryptedArchivePath{components: out}
}

// Components returns the encrypted path's components.
func (p EncryptedArchivePath) Components() []string {
	out := make([]string, len(p.components))
	copy(out, p.components)
	return out
}

// IsRoot reports whether p is the encrypted archive root.
func (p EncryptedArchivePath) IsRoot() bool {
	return len(p.components) == 0
}

// String renders p back to "enar:/..." form.
func (p EncryptedArchivePath) String() string {
	if p.IsRoot() {
		return EncryptedArchivePathPrefix
	}
	return EncryptedArchivePathPrefix + strings.Join(p.components, "/")
}

// Parent returns the parent of p.
func (p EncryptedArchivePath) Parent() (EncryptedArchivePath, error) {
	if p.IsRoot() {
		return EncryptedArchivePath{}, ErrInvalidPath
	}
	return EncryptedArchivePath{components: p.components[:len(p.components)-1]}, nil
}

// IsPrefixOf reports whether p is a component-wise prefix of q. Because
// encryption is deterministic and component-preserving, this holds in
// ciphertext space iff the corresponding plaintext relation holds (§4.2).
func (p EncryptedArchivePath) IsPrefixOf(q EncryptedArchivePath) bool {
	if len(p.components) > len(q.components) {
		return false
	}
	for i, c := range p.components {
		if q.components[i] != c {
			return false
		}
	}
	return true
}

// Equal reports whether p and q have identical components.
func (p EncryptedArchivePath) Equal(q EncryptedArchivePath) bool {
	return p.IsPrefixOf(q) && len(p.components) == len(q.components)
}

// LikePrefix returns the SQL LIKE pattern matching q such that q is p or a
// descendant of p, for use in "path = $1 OR path LIKE $2" queries (§4.2, §4.4).
func (p EncryptedArchivePath) LikePrefix() string {
	s := p.String()
	if p.IsRoot() {
		return s + "%"
	}
	return s + "/%"
}
