// Package securecode mints the short codes printed at check-in and presented
// again at pickup.
package securecode

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// Alphabet omits characters that read ambiguously on a printed label
// (0/O, 1/I).
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	MinLength     = 4
	MaxLength     = 8
	DefaultLength = 5
)

var ErrInvalidLength = errors.New("code length out of range")

type Generator struct {
	length int
}

func New(length int) (*Generator, error) {
	if length < MinLength || length > MaxLength {
		return nil, ErrInvalidLength
	}
	return &Generator{length: length}, nil
}

// Generate draws a fresh code from crypto/rand. Generation is stateless;
// uniqueness against concurrently open records is the caller's concern.
func (g *Generator) Generate() (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	code := make([]byte, g.length)
	for i := range code {
		value, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = Alphabet[value.Int64()]
	}
	return string(code), nil
}
