package rankpipe

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateScore(t *testing.T) {
	if err := ValidateScore(0); err != nil {
		t.Errorf("zero is a valid score: %v", err)
	}
	if err := ValidateScore(1 << 40); err != nil {
		t.Errorf("large scores are valid: %v", err)
	}
	if err := ValidateScore(-1); !errors.Is(err, ErrInvalidScore) {
		t.Errorf("expected ErrInvalidScore, got %v", err)
	}
}

func TestValidateUserName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"simple", "player1", nil},
		{"with space", "Player One", nil},
		{"accented", "Çağla Müller", nil},
		{"allowed punctuation", "a.b_c-d (e)", nil},
		{"single char", "x", nil},
		{"max length", strings.Repeat("a", 50), nil},
		{"empty", "", ErrInvalidUserNameLength},
		{"too long", strings.Repeat("a", 51), ErrInvalidUserNameLength},
		{"angle brackets", "<script>", ErrInvalidUserName},
		{"emoji", "player🏆", ErrInvalidUserName},
		{"newline", "a\nb", ErrInvalidUserName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserName(tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("ValidateUserName(%q) = %v, want %v", tt.in, err, tt.want)
			}
		})
	}
}

func TestValidateUserName_LengthCheckedFirst(t *testing.T) {
	// A name that is both too long and full of disallowed characters
	// reports the length problem.
	in := strings.Repeat("<", 60)
	if err := ValidateUserName(in); !errors.Is(err, ErrInvalidUserNameLength) {
		t.Errorf("expected ErrInvalidUserNameLength, got %v", err)
	}
}
