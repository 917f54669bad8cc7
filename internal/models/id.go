package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewID generates a random identifier of the form "<prefix>-xxxxxxxx"
// (8 hex chars). Prefixes in use: ses, job, rsv, int. Engine IDs are chosen
// by the engines themselves at registration.
func NewID(prefix string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("models: generate ID: %w", err)
	}
	return prefix + "-" + hex.EncodeToString(b), nil
}
