package benchmark

import (
	"fmt"
	"math"
	mrand "math/rand"
)

// KeyDistribution defines how keys are accessed
type KeyDistribution string

const (
	DistUniform    KeyDistribution = "uniform"    // All keys equally likely
	DistZipfian    KeyDistribution = "zipfian"    // 80/20 rule (realistic)
	DistSequential KeyDistribution = "sequential" // Sequential access
	DistLatest     KeyDistribution = "latest"     // Recent keys (time-series)
)

// KeyGenerator generates keys according to a distribution
type KeyGenerator struct {
	numKeys      int
	keySize      int
	distribution KeyDistribution
	rng          *mrand.Rand

	zipf *mrand.Zipf
	seq  int
}

func NewKeyGenerator(numKeys, keySize int, distribution KeyDistribution, seed int64) *KeyGenerator {
	rng := mrand.New(mrand.NewSource(seed))

	kg := &KeyGenerator{
		numKeys:      numKeys,
		keySize:      keySize,
		distribution: distribution,
		rng:          rng,
	}

	if distribution == DistZipfian {
		kg.zipf = mrand.NewZipf(rng, 1.1, 1, uint64(numKeys))
	}

	return kg
}

func (kg *KeyGenerator) NextKey() []byte {
	var keyNum int

	switch kg.distribution {
	case DistZipfian:
		keyNum = int(kg.zipf.Uint64())

	case DistSequential:
		kg.seq++
		keyNum = kg.seq % kg.numKeys

	case DistLatest:
		// recent keys dominate (half-normal falloff from the newest key)
		span := kg.numKeys / 10
		if span < 100 {
			span = 100
		}
		offset := int(math.Abs(kg.rng.NormFloat64()) * float64(span))
		keyNum = kg.numKeys - 1 - offset
		if keyNum < 0 {
			keyNum = 0
		}

	default:
		keyNum = kg.rng.Intn(kg.numKeys)
	}

	return kg.formatKey(keyNum)
}

func (kg *KeyGenerator) GenerateSequential(n int) []byte {
	return kg.formatKey(n)
}

func (kg *KeyGenerator) formatKey(n int) []byte {
	key := fmt.Sprintf("user%010d", n)
	for len(key) < kg.keySize {
		key += "."
	}
	return []byte(key)[:kg.keySize]
}
