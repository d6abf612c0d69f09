// Package token issues the secrets and identifiers attached to registrations.
//
// Tokens are the security boundary: 16 bytes from crypto/rand, hex-encoded
// and upper-cased. Verification codes are display aids drawn uniformly from
// an alphanumeric alphabet, also via crypto/rand.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// TokenBytes is the entropy of a registration token.
	TokenBytes = 16
	// CodeLength is the length of a verification code.
	CodeLength = 8

	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Issuer produces registration tokens, verification codes and identifiers.
type Issuer struct {
	rand io.Reader
	seq  atomic.Uint64
}

// NewIssuer constructs an Issuer backed by crypto/rand.
func NewIssuer() *Issuer {
	return &Issuer{rand: rand.Reader}
}

// IssueToken returns a new unguessable token of TokenBytes random bytes.
func (i *Issuer) IssueToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := io.ReadFull(i.rand, b); err != nil {
		return "", fmt.Errorf("read token entropy: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// IssueVerificationCode returns a short human-readable code.
func (i *Issuer) IssueVerificationCode() (string, error) {
	var sb strings.Builder
	sb.Grow(CodeLength)
	limit := big.NewInt(int64(len(codeAlphabet)))
	for range CodeLength {
		n, err := rand.Int(i.rand, limit)
		if err != nil {
			return "", fmt.Errorf("read code entropy: %w", err)
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// RegistrationID composes an identifier from the identity, event and creation
// instant. The process-wide sequence keeps two attempts within the same
// millisecond distinct.
//
// Format: REG_<identity hash>_<event hash>_<epoch ms>_<seq>
func (i *Issuer) RegistrationID(identity, eventID string, at time.Time) string {
	seq := i.seq.Add(1)
	return fmt.Sprintf("REG_%s_%s_%d_%d", shortHash(identity), shortHash(eventID), at.UnixMilli(), seq)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:6]))
}
