package rankpipe

import (
	"regexp"
	"unicode/utf8"
)

// userNamePattern allows letters (including accented), digits,
// parentheses, dot, underscore, hyphen and space.
var userNamePattern = regexp.MustCompile(`^[\p{L}\p{M}\p{N}()._\- ]+$`)

const maxUserNameLength = 50

// ValidateScore rejects negative scores.
func ValidateScore(score int64) error {
	if score < 0 {
		return ErrInvalidScore
	}
	return nil
}

// ValidateUserName checks the allow-list pattern and the 1-50 character
// length bound, with distinct errors for each.
func ValidateUserName(name string) error {
	length := utf8.RuneCountInString(name)
	if length < 1 || length > maxUserNameLength {
		return ErrInvalidUserNameLength
	}
	if !userNamePattern.MatchString(name) {
		return ErrInvalidUserName
	}
	return nil
}
