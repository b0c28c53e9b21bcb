package subscription

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const referencePrefix = "SUB-"

var referencePattern = regexp.MustCompile(`^SUB-([A-Za-z0-9_]+)-([A-Za-z0-9_]+)-([A-Za-z0-9]{8})$`)

// NewExternalReference builds a SUB-{userId}-{planId}-{random8} correlation token.
func NewExternalReference(userID, productID string) (string, error) {
	if !referencePart(userID) || !referencePart(productID) {
		return "", fmt.Errorf("%w: user and product ids must be alphanumeric", ErrInvalidExternalReference)
	}
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate external reference: %w", err)
	}
	return referencePrefix + userID + "-" + productID + "-" + hex.EncodeToString(buf), nil
}

// Reference is a parsed external reference.
type Reference struct {
	UserID    string
	ProductID string
	Suffix    string
}

// ParseExternalReference splits a well-formed reference into its parts.
func ParseExternalReference(ref string) (Reference, error) {
	m := referencePattern.FindStringSubmatch(strings.TrimSpace(ref))
	if m == nil {
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidExternalReference, ref)
	}
	return Reference{UserID: m[1], ProductID: m[2], Suffix: m[3]}, nil
}

// IsExternalReference reports whether ref has the SUB-{userId}-{planId}-{hash8} shape.
func IsExternalReference(ref string) bool {
	return referencePattern.MatchString(strings.TrimSpace(ref))
}

func referencePart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}
