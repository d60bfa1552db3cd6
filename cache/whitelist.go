package cache

import "strings"

// Whitelist is the allowed-repository policy. Entries may be a bare owner,
// an "owner/repo" slug, or a full repository URL containing one.
//
// Matching is deliberately permissive: a request for owner/repo is allowed
// when the list is empty, or when the lower-cased slug and some entry
// contain each other in either direction. Operators rely on this to
// whitelist by owner name, slug, or URL, so the bidirectional match is kept
// as-is rather than tightened to path segments.
type Whitelist struct {
	entries []string
}

// NewWhitelist builds a Whitelist from configured tokens. Entries are
// lower-cased once; blank entries are dropped.
func NewWhitelist(entries []string) *Whitelist {
	w := &Whitelist{}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			w.entries = append(w.entries, e)
		}
	}
	return w
}

// Allows reports whether the owner/repo pair may be served. An empty list
// allows everything.
func (w *Whitelist) Allows(owner, repo string) bool {
	if len(w.entries) == 0 {
		return true
	}

	target := strings.ToLower(owner + "/" + repo)
	for _, entry := range w.entries {
		if strings.Contains(target, entry) || strings.Contains(entry, target) {
			return true
		}
	}
	return false
}
