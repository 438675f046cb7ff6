package api

import "errors"

var (
	ErrUnauthorized = errors.New("authentication failed")
	ErrForbidden    = errors.New("insufficient permissions")
	ErrNotFound     = errors.New("leaderboard or user not found")
	ErrRateLimited  = errors.New("rate limited by API")
)

// IsPermanent reports whether err is a protocol error that will not
// resolve by retrying. Permanent errors terminate queue items outright
// instead of halting the drain pass.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound)
}
