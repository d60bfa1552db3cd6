package ghly

import "errors"

var (
	// ErrNotFound is returned when the origin confirms the requested file
	// does not exist. Not-found results are never cached.
	ErrNotFound = errors.New("file not found")

	// ErrForbidden is returned when the owner/repository pair is rejected
	// by the whitelist policy before any cache or origin I/O.
	ErrForbidden = errors.New("repository not whitelisted")
)
