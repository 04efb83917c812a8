// Package crypto provides at-rest encryption for personal data fields and
// keyed hashing for identifiers that must be matched but never stored raw.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 64
	ivSize     = 16
	tagSize    = 16
	keySize    = 32 // AES-256
	headerSize = saltSize + ivSize + tagSize

	// KDFIterations is the PBKDF2-HMAC-SHA512 work factor applied per value.
	KDFIterations = 100_000
)

// ErrMissingSecret is returned when a codec or hasher is built without key material.
var ErrMissingSecret = errors.New("crypto: secret is not configured")

// Status classifies the outcome of opening a stored field.
type Status int

const (
	// Decrypted means the value carried a valid envelope and authenticated.
	Decrypted Status = iota
	// LegacyPlaintext means the value has no envelope structure and predates encryption.
	LegacyPlaintext
	// Corrupted means the value looks like an envelope but failed authentication
	// (tampered bytes or a different secret).
	Corrupted
)

func (s Status) String() string {
	switch s {
	case Decrypted:
		return "decrypted"
	case LegacyPlaintext:
		return "legacy_plaintext"
	case Corrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// Opened is the tagged result of FieldCodec.Open.
// Text holds the plaintext for Decrypted and the stored value itself otherwise.
type Opened struct {
	Text   string
	Status Status
}

// FieldCodec encrypts text fields with AES-256-GCM.
//
// Each value is sealed under a key derived from the secret and a fresh
// 64-byte salt, with a fresh 16-byte IV. The stored form is
// base64(salt || iv || tag || ciphertext), so every value carries what is
// needed to decrypt it.
type FieldCodec struct {
	secret      []byte
	onCorrupted func()
}

// CodecOption customises a FieldCodec.
type CodecOption func(*FieldCodec)

// WithCorruptionHook registers a callback fired each time Decrypt meets a Corrupted value.
func WithCorruptionHook(fn func()) CodecOption {
	return func(c *FieldCodec) { c.onCorrupted = fn }
}

// NewFieldCodec returns a codec bound to secret. An empty secret is refused.
func NewFieldCodec(secret string, opts ...CodecOption) (*FieldCodec, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	c := &FieldCodec{secret: []byte(secret)}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encrypt seals plaintext into a self-describing envelope.
func (c *FieldCodec) Encrypt(plaintext string) (string, error) {
	buf := make([]byte, saltSize+ivSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate salt/iv: %w", err)
	}
	salt, iv := buf[:saltSize], buf[saltSize:]

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	// Seal returns ciphertext||tag; the envelope stores the tag first.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, headerSize+len(ct))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Open classifies and, where possible, decrypts a stored value. It never fails.
func (c *FieldCodec) Open(blob string) Opened {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil || len(raw) < headerSize {
		return Opened{Text: blob, Status: LegacyPlaintext}
	}

	salt := raw[:saltSize]
	iv := raw[saltSize : saltSize+ivSize]
	tag := raw[saltSize+ivSize : headerSize]
	ct := raw[headerSize:]

	gcm, err := c.aead(salt)
	if err != nil {
		return Opened{Text: blob, Status: Corrupted}
	}

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return Opened{Text: blob, Status: Corrupted}
	}
	return Opened{Text: string(plaintext), Status: Decrypted}
}

// Decrypt returns the plaintext of blob, or blob itself when it cannot be
// decrypted. Corrupted values are logged before falling back so they are
// not silently mistaken for legacy data.
func (c *FieldCodec) Decrypt(blob string) string {
	res := c.Open(blob)
	if res.Status == Corrupted {
		slog.Warn("encrypted_field_corrupted", "length", len(blob))
		if c.onCorrupted != nil {
			c.onCorrupted()
		}
	}
	return res.Text
}

func (c *FieldCodec) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.secret, salt, KDFIterations, keySize, sha512.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM mode: %w", err)
	}
	return gcm, nil
}
