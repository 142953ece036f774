package password

import (
	"unicode"
	"unicode/utf8"
)

// Validate checks pw against the policy. Length counts runes.
func (c Config) Validate(pw string) error {
	n := utf8.RuneCountInString(pw)
	if n < c.Policy.MinLength {
		return ErrPasswordTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrPasswordTooLong
	}
	if c.Policy.RequireClasses && !hasAllClasses(pw) {
		return ErrMissingClass
	}
	return nil
}

func hasAllClasses(pw string) bool {
	var upper, lower, digit, symbol bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsLetter(r) && r != '_':
			// \W in the sign-up form's pattern: anything outside [A-Za-z0-9_].
			symbol = true
		}
	}
	return upper && lower && digit && symbol
}
