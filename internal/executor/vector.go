package executor

import (
	"fmt"
	"math"

	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/value"
)

// evalCall dispatches the fixed vocabulary of function-call terms named in
// spec section 4.4: distance functions, normalize, and an LSH bucket hash
// used for approximate grouping of nearby vectors.
func evalCall(t parser.Term, row Row) (value.Value, error) {
	args := make([]value.Value, len(t.Args))
	for i, a := range t.Args {
		v, err := evalTerm(a, row)
		if err != nil {
			return value.Null(), err
		}
		args[i] = v
	}
	switch t.Func {
	case "euclidean", "l2":
		return vectorDistance(args, euclideanDist)
	case "cosine":
		return vectorDistance(args, cosineDist)
	case "dot":
		return vectorDistance(args, dotDist)
	case "manhattan":
		return vectorDistance(args, manhattanDist)
	case "normalize":
		if len(args) != 1 {
			return value.Null(), fmt.Errorf("executor: normalize() takes 1 argument")
		}
		return value.Vector(normalizeVec(asFloat32s(args[0])), 0), nil
	case "lsh_bucket":
		if len(args) < 1 {
			return value.Null(), fmt.Errorf("executor: lsh_bucket() takes a vector argument")
		}
		planes := 1
		if len(args) > 1 {
			if n, ok := args[1].AsNumeric(); ok {
				planes = int(n)
			}
		}
		return value.Int64(lshBucket(asFloat32s(args[0]), planes)), nil
	default:
		return value.Null(), fmt.Errorf("executor: unknown function %q", t.Func)
	}
}

func asFloat32s(v value.Value) []float32 {
	switch v.Kind() {
	case value.KindVector:
		return v.AsVector()
	case value.KindVectorInt8:
		raw := v.AsVectorInt8()
		out := make([]float32, len(raw))
		for i, b := range raw {
			out[i] = float32(b)
		}
		return out
	default:
		return nil
	}
}

type distFn func(a, b []float32) float64

func vectorDistance(args []value.Value, fn distFn) (value.Value, error) {
	if len(args) != 2 {
		return value.Null(), fmt.Errorf("executor: distance function takes 2 vector arguments")
	}
	a, b := asFloat32s(args[0]), asFloat32s(args[1])
	if len(a) != len(b) {
		return value.Null(), fmt.Errorf("executor: dimension mismatch between vector arguments: %d vs %d", len(a), len(b))
	}
	return value.Float64(fn(a, b)), nil
}

func euclideanDist(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func cosineDist(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return 1 - cos
}

func dotDist(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return -dot
}

func manhattanDist(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(float64(a[i]) - float64(b[i]))
	}
	return sum
}

func normalizeVec(v []float32) []float32 {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

// lshBucket hashes v into one of 2^planes buckets using random-hyperplane
// locality-sensitive hashing whose coefficients are a fixed function of
// (plane, coordinate index), so repeated calls bucket a vector the same way
// within and across query evaluations.
func lshBucket(v []float32, planes int) int64 {
	if planes < 1 {
		planes = 1
	}
	var bucket int64
	for p := 0; p < planes; p++ {
		var proj float64
		for i, f := range v {
			proj += float64(f) * hyperplaneCoeff(p, i)
		}
		if proj >= 0 {
			bucket |= 1 << uint(p)
		}
	}
	return bucket
}

// hyperplaneCoeff derives a deterministic pseudo-random coefficient for
// hyperplane p, dimension i, without a stateful RNG (so LSH bucketing is
// reproducible across evaluations of the same query).
func hyperplaneCoeff(p, i int) float64 {
	h := uint64(p)*2654435761 + uint64(i)*40503 + 1
	h ^= h >> 13
	h *= 0x2545F4914F6CDD1D
	h ^= h >> 29
	return (float64(h%2000001) / 1000000.0) - 1.0
}
