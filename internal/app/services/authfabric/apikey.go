package authfabric

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/chainreactor/backend/internal/app/domain/org"
)

// argon2Params are the tuning knobs for every hash this package produces or
// verifies against. Changing these invalidates no existing hash because the
// encoded string below carries its own parameters.
var argon2Params = struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
	saltLen uint32
}{time: 3, memory: 64 * 1024, threads: 2, keyLen: 32, saltLen: 16}

// keyPrefixPattern matches the public, loggable prefix of a raw API key:
// sk_live_ or sk_test_ followed by at least 8 opaque characters.
var keyPrefixPattern = regexp.MustCompile(`^sk_(live|test)_[A-Za-z0-9_-]{8,}$`)

// dummyHash is verified against on every prefix-lookup miss so that a miss
// takes the same Argon2id wall-clock time as a real mismatch, denying a
// timing oracle for key enumeration.
var dummyHash = mustHash("dummy-key-material-for-constant-time-miss")

// GenerateKey creates a new raw API key for env ("live" or "test") plus its
// Argon2id hash and the prefix used for the DB lookup index. The raw value
// is returned exactly once; only the hash is persisted.
func GenerateKey(env org.KeyEnvironment) (raw, hash, prefix string, err error) {
	buf := make([]byte, 24)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate key material: %w", err)
	}
	body := strings.TrimRight(base64.RawURLEncoding.EncodeToString(buf), "=")
	raw = fmt.Sprintf("sk_%s_%s", env, body)
	hash = hashSecret(raw)
	prefix = raw[:min(len(raw), 16)]
	return raw, hash, prefix, nil
}

// ExtractPrefix validates the raw key's format and returns its lookup
// prefix, or ok=false if the format is not one this service issues.
func ExtractPrefix(raw string) (prefix string, ok bool) {
	if !keyPrefixPattern.MatchString(raw) {
		return "", false
	}
	return raw[:min(len(raw), 16)], true
}

// VerifyKey checks raw against hash in constant time relative to a miss:
// call this with dummyHash when the prefix lookup found no row, so the
// caller's wall-clock cost is identical either way.
func VerifyKey(raw, hash string) bool {
	return verifyHash(raw, hash)
}

// DummyHash exposes the precomputed miss-path hash for callers that must
// perform the same Argon2id work on a lookup miss (spec §4.5 step 2).
func DummyHash() string { return dummyHash }

func hashSecret(secret string) string {
	salt := make([]byte, argon2Params.saltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("authfabric: failed to read random salt: " + err.Error())
	}
	sum := argon2.IDKey([]byte(secret), salt, argon2Params.time, argon2Params.memory, argon2Params.threads, argon2Params.keyLen)
	return encodeHash(salt, sum)
}

func verifyHash(secret, encoded string) bool {
	salt, want, err := decodeHash(encoded)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, argon2Params.time, argon2Params.memory, argon2Params.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// encodeHash follows the conventional Argon2id PHC-ish layout used across
// the Go ecosystem: $argon2id$v=19$m=...,t=...,p=...$salt$hash (all
// base64 raw, no padding).
func encodeHash(salt, sum []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Params.memory, argon2Params.time, argon2Params.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum))
}

func decodeHash(encoded string) (salt, sum []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, fmt.Errorf("authfabric: malformed hash encoding")
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, fmt.Errorf("authfabric: malformed hash salt: %w", err)
	}
	sum, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, fmt.Errorf("authfabric: malformed hash digest: %w", err)
	}
	return salt, sum, nil
}

func mustHash(secret string) string {
	return hashSecret(secret)
}

// KeyHashHex is a convenience for audit logging: a short, non-reversible
// fingerprint of a hash string, never the raw key itself.
func KeyHashHex(hash string) string {
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:])[:12]
}
