package rankpipe

import "errors"

var (
	// ErrMissingLeaderboardID is returned when no leaderboard id can be
	// resolved from the call options or the configured default.
	ErrMissingLeaderboardID = errors.New("missing leaderboard id")

	// ErrInvalidScore is returned for negative scores.
	ErrInvalidScore = errors.New("invalid score")

	// ErrInvalidUserName is returned when the user-visible name contains
	// disallowed characters.
	ErrInvalidUserName = errors.New("invalid username")

	// ErrInvalidUserNameLength is returned when the user-visible name is
	// empty or longer than 50 characters.
	ErrInvalidUserNameLength = errors.New("invalid username length")

	// ErrBulkOffline is returned when a bulk submission is attempted
	// while offline or while queued items are pending. Bulk calls are
	// never queued.
	ErrBulkOffline = errors.New("cannot queue bulk submissions while offline")
)
