package license

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strings"
)

const (
	keyAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyBlocks     = 4
	keyBlockSize  = 4
	maxKeyAttempt = 64
)

var KeyPattern = regexp.MustCompile(`^[A-Z0-9]{4}(-[A-Z0-9]{4}){3}$`)

var ErrKeySpaceExhausted = errors.New("could not generate a unique license key")

// KeyExistsFunc reports whether a license already holds key.
type KeyExistsFunc func(ctx context.Context, key string) (bool, error)

type KeyGenerator struct {
	random io.Reader
	exists KeyExistsFunc
}

// NewKeyGenerator draws from crypto/rand and checks candidates against exists.
func NewKeyGenerator(exists KeyExistsFunc) *KeyGenerator {
	return &KeyGenerator{random: rand.Reader, exists: exists}
}

// Generate returns a key in XXXX-XXXX-XXXX-XXXX form that no stored license
// holds yet.
func (g *KeyGenerator) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxKeyAttempt; attempt++ {
		key, err := randomKey(g.random)
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}

		taken, err := g.exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to check license key: %w", err)
		}
		if !taken {
			return key, nil
		}
	}
	return "", ErrKeySpaceExhausted
}

func randomKey(random io.Reader) (string, error) {
	alphabetSize := big.NewInt(int64(len(keyAlphabet)))

	var sb strings.Builder
	sb.Grow(keyBlocks*keyBlockSize + keyBlocks - 1)
	for block := 0; block < keyBlocks; block++ {
		if block > 0 {
			sb.WriteByte('-')
		}
		for i := 0; i < keyBlockSize; i++ {
			n, err := rand.Int(random, alphabetSize)
			if err != nil {
				return "", err
			}
			sb.WriteByte(keyAlphabet[n.Int64()])
		}
	}
	return sb.String(), nil
}
