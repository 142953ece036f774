// Package seal encrypts small secrets at rest under a passphrase.
//
// Keys are derived with Argon2id; values are sealed with XChaCha20-Poly1305.
// A sealed value is "v1.<salt>.<nonce||ciphertext>" in unpadded base64url, so
// it fits in any text column.
package seal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	prefix  = "v1"
	saltLen = 16

	kdfTime    = 2
	kdfMemory  = 19 * 1024
	kdfThreads = 1
)

var (
	ErrEmptyPassphrase = errors.New("seal: empty passphrase")
	ErrMalformed       = errors.New("seal: malformed sealed value")
	ErrDecrypt         = errors.New("seal: cannot decrypt (wrong passphrase or tampered value)")
)

var enc = base64.RawURLEncoding

// Sealer holds a passphrase and the keys derived from it so far.
// It is safe for concurrent use.
type Sealer struct {
	pass []byte
	salt []byte

	mu   sync.Mutex
	keys map[string][]byte // salt (raw) -> key
}

// New derives a fresh key for pass. Every value sealed by the returned Sealer
// shares one salt; Open accepts values sealed under any salt.
func New(pass string) (*Sealer, error) {
	if pass == "" {
		return nil, ErrEmptyPassphrase
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("seal: salt: %w", err)
	}
	s := &Sealer{
		pass: []byte(pass),
		salt: salt,
		keys: make(map[string][]byte),
	}
	s.key(salt)
	return s, nil
}

func (s *Sealer) key(salt []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[string(salt)]; ok {
		return k
	}
	k := argon2.IDKey(s.pass, salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
	s.keys[string(salt)] = k
	return k
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key(s.salt))
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("seal: nonce: %w", err)
	}
	box := aead.Seal(nonce, nonce, []byte(plaintext), []byte(prefix))
	return prefix + "." + enc.EncodeToString(s.salt) + "." + enc.EncodeToString(box), nil
}

// Open decrypts a value produced by Seal with the same passphrase.
func (s *Sealer) Open(sealed string) (string, error) {
	parts := strings.Split(sealed, ".")
	if len(parts) != 3 || parts[0] != prefix {
		return "", ErrMalformed
	}
	salt, err := enc.DecodeString(parts[1])
	if err != nil || len(salt) != saltLen {
		return "", ErrMalformed
	}
	box, err := enc.DecodeString(parts[2])
	if err != nil || len(box) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", ErrMalformed
	}

	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	nonce, ct := box[:chacha20poly1305.NonceSizeX], box[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, []byte(prefix))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(pt), nil
}

// IsSealed reports whether v looks like a sealed value.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, prefix+".") && strings.Count(v, ".") == 2
}
