package password

import "errors"

var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrMissingClass     = errors.New("password must mix upper-case, lower-case, digit and symbol")
	ErrInvalidHash      = errors.New("invalid password hash")
)
