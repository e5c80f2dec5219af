// Package hash selects a fingerprint hasher by algorithm name.
package hash

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/coverwatch/internal/catalog"
	"github.com/JakeFAU/coverwatch/internal/hash/md5"
	"github.com/JakeFAU/coverwatch/internal/hash/sha256"
)

// New returns the hasher for algorithm ("md5" or "sha256").
func New(algorithm string) (catalog.Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", "md5":
		return md5.New(), nil
	case "sha256":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", algorithm)
	}
}
