package origin

import (
	"mime"
	"path/filepath"
	"strings"
)

// webAssetTypes maps common web asset extensions to fixed MIME types. These
// take precedence over mime.TypeByExtension, whose answers vary with the
// host's mime.types file.
var webAssetTypes = map[string]string{
	".js":       "application/javascript",
	".mjs":      "application/javascript",
	".css":      "text/css",
	".json":     "application/json",
	".html":     "text/html",
	".htm":      "text/html",
	".svg":      "image/svg+xml",
	".txt":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
}

// DetectContentType picks the MIME type for a file, in priority order:
// the origin-reported type unless it is the generic text/plain sniff
// default, the fixed web-asset table, the system extension table, and
// finally application/octet-stream.
//
// Raw origins label nearly everything text/plain, which would otherwise
// mask the more useful extension-derived type.
func DetectContentType(path, originType string) string {
	if ct := strings.TrimSpace(originType); ct != "" && !strings.HasPrefix(ct, "text/plain") {
		// Drop any charset parameter.
		if base, _, found := strings.Cut(ct, ";"); found {
			ct = strings.TrimSpace(base)
		}
		if ct != "" {
			return ct
		}
	}

	ext := strings.ToLower(filepath.Ext(path))

	if ct, ok := webAssetTypes[ext]; ok {
		return ct
	}

	if ct := mime.TypeByExtension(ext); ct != "" {
		if base, _, found := strings.Cut(ct, ";"); found {
			return strings.TrimSpace(base)
		}
		return ct
	}

	return "application/octet-stream"
}
