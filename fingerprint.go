package ghly

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// Fingerprint computes the content fingerprint for downloaded bytes: the
// hex-encoded BLAKE3 digest. It is an advisory change-detection validator,
// not a git object hash.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeETag strips the quoting and weak-validator prefix from an
// origin-supplied ETag, returning the bare validator. Returns "" if the
// header was empty or contained only quoting.
func NormalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}
