package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	AlphabetUpperDigits = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	AlphabetHex         = "0123456789abcdef"

	DefaultCodeLength = 8

	// maxDraws bounds GenerateUniqueCode. With 36^8 codes a run of collisions
	// this long means the insert is failing for some other reason.
	maxDraws = 32
)

// Generator draws random codes from a fixed alphabet.
type Generator struct {
	length   int
	alphabet string
	source   io.Reader
}

// NewGenerator returns a Generator backed by crypto/rand.
func NewGenerator(length int, alphabet string) *Generator {
	return NewGeneratorWithSource(length, alphabet, rand.Reader)
}

// NewGeneratorWithSource returns a Generator reading randomness from source.
func NewGeneratorWithSource(length int, alphabet string, source io.Reader) *Generator {
	if length <= 0 {
		length = DefaultCodeLength
	}
	if alphabet == "" {
		alphabet = AlphabetUpperDigits
	}
	return &Generator{length: length, alphabet: alphabet, source: source}
}

// Next returns a fresh code. Bytes that would bias the distribution are
// rejected and redrawn.
func (g *Generator) Next() (string, error) {
	n := len(g.alphabet)
	limit := 256 - 256%n
	out := make([]byte, 0, g.length)
	buf := make([]byte, g.length)
	for len(out) < g.length {
		if _, err := io.ReadFull(g.source, buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, g.alphabet[int(b)%n])
			if len(out) == g.length {
				break
			}
		}
	}
	return string(out), nil
}

// GenerateUniqueCode draws codes and hands each one to insert, which must
// perform the atomic check-and-insert (a primary key on the shared code
// namespace). A draw is retried only when insert reports ErrCodeCollision.
func (s *SQLiteStore) GenerateUniqueCode(ctx context.Context, insert func(code string) error) (string, error) {
	for i := 0; i < maxDraws; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := s.gen.Next()
		if err != nil {
			return "", err
		}
		err = insert(code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, ErrCodeCollision) {
			return "", err
		}
		codeCollisionsTotal.Inc()
	}
	return "", fmt.Errorf("no free code after %d draws: %w", maxDraws, ErrCodeCollision)
}
