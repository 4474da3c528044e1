package service

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	codeRandRange = 1_000_000_000

	seenCodesEstimate = 1_000_000
	seenCodesFPRate   = 0.0001
)

// CodeExistsFunc reports whether a code is already taken in the store.
type CodeExistsFunc func(ctx context.Context, code string) (bool, error)

// CodeGenerator mints link codes: the SHA-512 of a nanosecond timestamp and a random
// integer, base64url encoded. Codes minted by this process are kept in a bloom filter
// so a repeat is discarded before the store round trip.
type CodeGenerator struct {
	mu     sync.Mutex
	seen   *bloom.BloomFilter
	now    func() time.Time
	random func() (int64, error)
}

// NewCodeGenerator returns a generator backed by crypto/rand.
func NewCodeGenerator() *CodeGenerator {
	return &CodeGenerator{
		seen:   bloom.NewWithEstimates(seenCodesEstimate, seenCodesFPRate),
		now:    time.Now,
		random: randomInt,
	}
}

// Generate draws codes until exists reports one as free. There is no retry cap; the
// loop ends on the first free code, a store error or context cancellation.
func (g *CodeGenerator) Generate(ctx context.Context, exists CodeExistsFunc) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := g.random()
		if err != nil {
			return "", fmt.Errorf("draw random: %w", err)
		}
		code := hashCode(g.now(), n)

		if g.seenBefore(code) {
			continue
		}

		taken, err := exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code: %w", err)
		}
		if taken {
			continue
		}

		g.remember(code)
		return code, nil
	}
}

func (g *CodeGenerator) seenBefore(code string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seen.TestString(code)
}

func (g *CodeGenerator) remember(code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen.AddString(code)
}

func hashCode(ts time.Time, n int64) string {
	seed := strconv.FormatInt(ts.UnixNano(), 10) + strconv.FormatInt(n, 10)
	sum := sha512.Sum512([]byte(seed))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomInt() (int64, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(2*codeRandRange+1))
	if err != nil {
		return 0, err
	}
	return v.Int64() - codeRandRange, nil
}
