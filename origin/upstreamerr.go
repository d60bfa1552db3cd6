package origin

import "fmt"

// UpstreamError reports an unrecoverable origin failure. A non-zero Status
// means the origin was reachable but rejected the request; Status zero with
// a wrapped Err means the origin could not be reached at all (including
// timeouts). Both are safe to retry on a later request.
type UpstreamError struct {
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("origin returned status %d", e.Status)
	}
	return fmt.Sprintf("origin unreachable: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Unreachable reports whether the failure was network-level rather than an
// origin response.
func (e *UpstreamError) Unreachable() bool {
	return e.Status == 0
}
