package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)
	var inserted [][]byte
	for i := 0; i < 1000; i++ {
		data := []byte(fmt.Sprintf("key-%d", i))
		f.Add(data)
		inserted = append(inserted, data)
	}
	for _, data := range inserted {
		assert.True(t, f.MightContain(data), "no false negatives allowed")
	}
}

func TestAbsentElementsMostlyRejected(t *testing.T) {
	f := New(100, 0.01)
	for i := 0; i < 100; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}
	falsePositives := 0
	trials := 2000
	for i := 0; i < trials; i++ {
		if f.MightContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	// Loose bound: well under 10x the target FPR given the sample size.
	assert.Less(t, float64(falsePositives)/float64(trials), 0.10)
}

func TestParameterSizing(t *testing.T) {
	f := New(1000, 0.01)
	assert.GreaterOrEqual(t, f.NumHashes(), 1)
	assert.LessOrEqual(t, f.NumHashes(), 16)
	assert.Greater(t, f.NumBits(), uint64(0))
}
