package market

import (
	"fmt"
	"io"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"
)

const entropySeedSize = 32

// entropy draws fresh bytes from the configured source and folds them with
// the supplied context through BLAKE3.
func (e *Engine) entropy(domain string, parts ...[]byte) (*uint256.Int, error) {
	var seed [entropySeedSize]byte
	if _, err := io.ReadFull(e.random, seed[:]); err != nil {
		return nil, fmt.Errorf("market: read entropy: %w", err)
	}
	hasher := blake3.New(32, nil)
	hasher.Write([]byte(domain))
	hasher.Write(seed[:])
	for _, part := range parts {
		hasher.Write(part)
	}
	return new(uint256.Int).SetBytes(hasher.Sum(nil)), nil
}

// uniform reduces a 256-bit draw into [0, bound). bound must be non-zero.
func uniform(draw, bound *uint256.Int) *uint256.Int {
	return new(uint256.Int).Mod(draw, bound)
}
