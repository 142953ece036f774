package password

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// Params controls Argon2id cost. MemoryKiB is in KiB as argon2.IDKey expects.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds accepted passwords.
type Policy struct {
	MinLength int
	MaxLength int
	// RequireClasses demands upper, lower, digit and symbol.
	RequireClasses bool
}

// Config is the package's only configuration surface.
type Config struct {
	Params Params
	Policy Policy
}

// DefaultConfig uses the OWASP interactive-login baseline (19 MiB, t=2, p=1),
// which keeps the development backend responsive.
func DefaultConfig() Config {
	return Config{
		Params: Params{
			MemoryKiB:   19 * 1024,
			Iterations:  2,
			Parallelism: 1,
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      8,
			MaxLength:      72,
			RequireClasses: true,
		},
	}
}

// FromEnv overlays DefaultConfig with:
//
//	DASH_PASSWORD_MIN_LEN, DASH_PASSWORD_MAX_LEN, DASH_PASSWORD_REQUIRE_CLASSES,
//	DASH_ARGON2_MEMORY_KIB, DASH_ARGON2_ITERATIONS, DASH_ARGON2_PARALLELISM.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v, ok := lookup("DASH_PASSWORD_MIN_LEN"); ok {
		n, err := parseUint(v, 1, 1024)
		if err != nil {
			return Config{}, fmt.Errorf("DASH_PASSWORD_MIN_LEN: %w", err)
		}
		cfg.Policy.MinLength = int(n)
	}
	if v, ok := lookup("DASH_PASSWORD_MAX_LEN"); ok {
		n, err := parseUint(v, 1, 4096)
		if err != nil {
			return Config{}, fmt.Errorf("DASH_PASSWORD_MAX_LEN: %w", err)
		}
		cfg.Policy.MaxLength = int(n)
	}
	if v, ok := lookup("DASH_PASSWORD_REQUIRE_CLASSES"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("DASH_PASSWORD_REQUIRE_CLASSES: %w", err)
		}
		cfg.Policy.RequireClasses = b
	}
	if v, ok := lookup("DASH_ARGON2_MEMORY_KIB"); ok {
		n, err := parseUint(v, 8*1024, 1024*1024)
		if err != nil {
			return Config{}, fmt.Errorf("DASH_ARGON2_MEMORY_KIB: %w", err)
		}
		cfg.Params.MemoryKiB = n
	}
	if v, ok := lookup("DASH_ARGON2_ITERATIONS"); ok {
		n, err := parseUint(v, 1, 20)
		if err != nil {
			return Config{}, fmt.Errorf("DASH_ARGON2_ITERATIONS: %w", err)
		}
		cfg.Params.Iterations = n
	}
	if v, ok := lookup("DASH_ARGON2_PARALLELISM"); ok {
		n, err := parseUint(v, 1, math.MaxUint8)
		if err != nil {
			return Config{}, fmt.Errorf("DASH_ARGON2_PARALLELISM: %w", err)
		}
		cfg.Params.Parallelism = uint8(n) // #nosec G115 -- bounded by parseUint above.
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf("password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength, cfg.Policy.MaxLength)
	}
	return cfg, nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func parseUint(s string, minVal, maxVal uint32) (uint32, error) {
	u, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}
	if uint32(u) < minVal || uint32(u) > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return uint32(u), nil
}
