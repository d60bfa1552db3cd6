// Package ghly implements a pull-through cache for raw GitHub file content.
// Files are identified by (owner, repository, path, ref) and served from a
// TTL-bounded cache store, fetched from the origin at most once per key even
// under concurrent callers.
package ghly

import "strings"

// DefaultRef is the ref used when a caller does not specify one.
const DefaultRef = "main"

// FileKey identifies one cacheable file. Two keys are equal iff all four
// fields are equal under exact case-sensitive comparison.
type FileKey struct {
	Owner string
	Repo  string
	Path  string
	Ref   string
}

// NewFileKey builds a FileKey, applying DefaultRef when ref is empty.
func NewFileKey(owner, repo, path, ref string) FileKey {
	if ref == "" {
		ref = DefaultRef
	}
	return FileKey{Owner: owner, Repo: repo, Path: path, Ref: ref}
}

// String returns a human-readable form for logging.
func (k FileKey) String() string {
	return k.Owner + "/" + k.Repo + "/" + k.Path + "@" + k.Ref
}

// Slug returns the lower-cased "owner/repo" pair used by the whitelist
// policy.
func (k FileKey) Slug() string {
	return strings.ToLower(k.Owner + "/" + k.Repo)
}

// Cache key layout.
//
// Owner and repo names cannot contain ':' or '@', so the encoding is
// injective even though paths and refs may contain arbitrary characters.

const (
	metadataKeyPrefix = "gh"
	contentKeyPrefix  = "gh:content"
)

// CacheKey returns the storage key for the file's metadata record.
// Format: gh:{owner}:{repo}@{ref}:{path}
func (k FileKey) CacheKey() string {
	return metadataKeyPrefix + ":" + k.Owner + ":" + k.Repo + "@" + k.Ref + ":" + k.Path
}

// ContentKey returns the storage key for the file's content blob, in a
// namespace distinct from metadata.
// Format: gh:content:{owner}:{repo}@{ref}:{path}
func (k FileKey) ContentKey() string {
	return contentKeyPrefix + ":" + k.Owner + ":" + k.Repo + "@" + k.Ref + ":" + k.Path
}
