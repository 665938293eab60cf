package randomutil

import (
	"math/rand"
)

// RandomGenerator seeds the weighted line item shuffle. Tests swap in a
// deterministic sequence.
type RandomGenerator interface {
	GenerateInt63() int64
}

type RandomNumberGenerator struct{}

func (RandomNumberGenerator) GenerateInt63() int64 {
	return rand.Int63()
}
