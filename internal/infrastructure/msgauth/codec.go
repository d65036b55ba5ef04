// Package msgauth computes and checks the msgAuthValue exchanged with the
// payment gateway.
package msgauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"pg_settlement/internal/config"
)

const separator = "|"

// ErrMissingSecret is returned by every operation of a codec without a key.
var ErrMissingSecret = fmt.Errorf("%w: msgauth secret key is empty", config.ErrMisconfigured)

// Codec signs with HMAC-SHA256 over parts joined by "|".
type Codec struct {
	secret []byte
}

// NewCodec never fails; a codec built with an empty secret refuses to sign or verify.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Sign returns the lowercase hex HMAC of parts.
func (c *Codec) Sign(parts ...string) (string, error) {
	mac, err := c.mac(parts)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac), nil
}

// Verify reports whether expected is the HMAC of parts. expected is compared
// case-insensitively; malformed hex is a mismatch.
func (c *Codec) Verify(expected string, parts ...string) (bool, error) {
	mac, err := c.mac(parts)
	if err != nil {
		return false, err
	}
	got, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(expected)))
	if err != nil {
		return false, nil
	}
	return hmac.Equal(mac, got), nil
}

func (c *Codec) mac(parts []string) ([]byte, error) {
	if c == nil || len(c.secret) == 0 {
		return nil, ErrMissingSecret
	}
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(strings.Join(parts, separator)))
	return h.Sum(nil), nil
}

// IsMissingSecret reports whether err came from an unconfigured codec.
func IsMissingSecret(err error) bool {
	return errors.Is(err, ErrMissingSecret)
}
