package token

import "errors"

// ErrHMACKeyTooShort is returned when a configured refresh-token key is below the minimum size.
var ErrHMACKeyTooShort = errors.New("token HMAC key too short")
