// Package token issues and checks the opaque bearer tokens that let a
// counterparty act on one quote or agreement without an operator session.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"dealflow/apperr"
)

// Kind prefixes a token with the entity type it is bound to.
type Kind string

const (
	KindQuote     Kind = "qt"
	KindAgreement Kind = "ag"
)

const entropyBytes = 32

// Issue returns a new token of the given kind: prefix + 64 hex chars.
func Issue(kind Kind) (string, error) {
	b := make([]byte, entropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token: read random: %w", err)
	}
	return string(kind) + "_" + hex.EncodeToString(b), nil
}

// WellFormed reports whether raw has the shape Issue produces for kind.
// Malformed tokens are rejected before touching storage.
func WellFormed(kind Kind, raw string) bool {
	rest, ok := strings.CutPrefix(raw, string(kind)+"_")
	if !ok || len(rest) != entropyBytes*2 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

// Subject is what a token resolved to, as seen by the checker.
type Subject struct {
	Found     bool
	Deleted   bool
	Status    string
	ExpiresAt *time.Time
	// ExpiredStatus is the entity status that means the validity window closed.
	ExpiredStatus string
}

// Check classifies a resolved token for an action allowed from allowed
// statuses. The three failure kinds are NotFound, Expired and BusinessRule
// with code invalid_state.
func Check(s Subject, allowed []string, now time.Time) error {
	if !s.Found || s.Deleted {
		return &apperr.Error{Kind: apperr.KindNotFound, Code: "token_not_found", Message: "link not found"}
	}
	if s.ExpiredStatus != "" && s.Status == s.ExpiredStatus {
		return apperr.Expired("token_expired", "link expired")
	}
	for _, a := range allowed {
		if a == s.Status {
			if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
				return apperr.Expired("token_expired", "link expired")
			}
			return nil
		}
	}
	return apperr.BusinessRule("invalid_state", "action not available in status %s", s.Status)
}
