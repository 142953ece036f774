package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var b64 = base64.RawStdEncoding

// Hash validates pw and returns its encoded Argon2id hash.
func (c Config) Hash(pw string) (string, error) {
	if err := c.Validate(pw); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	p := c.Params
	key := argon2.IDKey([]byte(pw), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryKiB, p.Iterations, p.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// Verify reports whether pw matches encoded. Malformed or out-of-bounds hashes
// return ErrInvalidHash; a mismatch is (false, nil).
func (c Config) Verify(encoded, pw string) (bool, error) {
	h, err := parse(encoded)
	if err != nil {
		return false, err
	}
	if !h.within(c.Params) {
		return false, ErrInvalidHash
	}

	got := argon2.IDKey([]byte(pw), h.salt, h.params.Iterations, h.params.MemoryKiB,
		h.params.Parallelism, h.params.KeyLength)
	return subtle.ConstantTimeCompare(got, h.key) == 1, nil
}

type phc struct {
	params Params
	salt   []byte
	key    []byte
}

// within accepts older, cheaper hashes but refuses anything over twice the configured cost.
func (h phc) within(limit Params) bool {
	switch {
	case h.params.MemoryKiB > limit.MemoryKiB*2,
		h.params.Iterations > limit.Iterations*2,
		uint32(h.params.Parallelism) > uint32(limit.Parallelism)*2:
		return false
	case h.params.SaltLength < 8 || h.params.SaltLength > 64:
		return false
	case h.params.KeyLength < 16 || h.params.KeyLength > 128:
		return false
	}
	return true
}

func parse(encoded string) (phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return phc{}, ErrInvalidHash
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return phc{}, ErrInvalidHash
	}

	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return phc{}, ErrInvalidHash
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return phc{}, ErrInvalidHash
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return phc{}, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return phc{}, ErrInvalidHash
	}

	return phc{
		params: Params{
			MemoryKiB:   mem,
			Iterations:  it,
			Parallelism: uint8(par),        // #nosec G115 -- checked <= 255 above.
			SaltLength:  uint32(len(salt)), // #nosec G115 -- bounded by encoded length.
			KeyLength:   uint32(len(key)),  // #nosec G115 -- bounded by encoded length.
		},
		salt: salt,
		key:  key,
	}, nil
}
