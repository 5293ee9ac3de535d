// Package auth handles password hashing (argon2id) and session token
// issuance/validation. Hashing is CPU-bound and always runs on the shared
// worker pool.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash reports a stored hash that cannot be decoded.
var ErrInvalidHash = errors.New("invalid password hash")

// Params are the tunable argon2id parameters recorded in every hash.
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams is the current hashing policy. Hashes produced with weaker
// parameters report NeedsRehash.
var DefaultParams = Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

// Hasher hashes and verifies passwords on the worker pool.
type Hasher struct {
	params Params
	pool   *Pool
	log    zerolog.Logger
}

// NewHasher builds a Hasher using the given policy and pool.
func NewHasher(params Params, pool *Pool, log zerolog.Logger) *Hasher {
	return &Hasher{params: params, pool: pool, log: log}
}

// Hash derives an encoded argon2id hash of password.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	var (
		encoded string
		hashErr error
	)
	err := h.pool.Do(ctx, func() {
		encoded, hashErr = encodeHash(password, h.params)
	})
	if err != nil {
		return "", err
	}
	if hashErr != nil {
		h.log.Error().Err(hashErr).Msg("password hashing failed")
		return "", hashErr
	}
	return encoded, nil
}

// Verify reports whether password matches the stored hash. The comparison
// against the stored key is constant-time. A mismatch logs a warning keyed
// by username; an undecodable hash logs an error. Both return false.
func (h *Hasher) Verify(ctx context.Context, encoded, password, username string) (bool, error) {
	var (
		ok        bool
		verifyErr error
	)
	err := h.pool.Do(ctx, func() {
		ok, verifyErr = verifyHash(encoded, password)
	})
	if err != nil {
		return false, err
	}
	if verifyErr != nil {
		h.log.Error().Err(verifyErr).Str("username", username).Msg("invalid stored password hash")
		return false, nil
	}
	if !ok {
		h.log.Warn().Str("username", username).Msg("failed password attempt")
	}
	return ok, nil
}

// NeedsRehash reports whether the stored hash was produced with parameters
// weaker than the current policy. Undecodable hashes report true.
func (h *Hasher) NeedsRehash(encoded string) bool {
	params, _, _, err := decodeHash(encoded)
	if err != nil {
		return true
	}
	return params.Memory < h.params.Memory ||
		params.Iterations < h.params.Iterations ||
		params.Parallelism < h.params.Parallelism ||
		params.KeyLength < h.params.KeyLength
}

// ---- encoding ----

// encodeHash produces the standard PHC string form:
// $argon2id$v=19$m=...,t=...,p=...$<salt>$<key>
func encodeHash(password string, params Params) (string, error) {
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, params.Memory, params.Iterations, params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func verifyHash(encoded, password string) (bool, error) {
	params, salt, key, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	return subtle.ConstantTimeCompare(key, candidate) == 1, nil
}

func decodeHash(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Params{}, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return Params{}, nil, nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidHash, version)
	}

	var params Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d",
		&params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	params.SaltLength = uint32(len(salt))
	params.KeyLength = uint32(len(key))
	return params, salt, key, nil
}
