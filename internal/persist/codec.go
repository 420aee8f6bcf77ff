package persist

import (
	"fmt"
	"math"

	"github.com/lattice-kg/lattice/internal/value"
)

// wireValue is the JSON form of one value.Value. Float64 payloads travel
// as their IEEE-754 bit pattern so the log round-trips NaN and signed
// zero exactly, matching the engine's bit-pattern equality.
type wireValue struct {
	Kind string    `json:"kind"`
	Bool bool      `json:"bool,omitempty"`
	Int  int64     `json:"int,omitempty"`
	Bits uint64    `json:"bits,omitempty"`
	Str  string    `json:"str,omitempty"`
	Vec  []float32 `json:"vec,omitempty"`
	Vec8 []int8    `json:"vec8,omitempty"`
	Dim  int       `json:"dim,omitempty"`
}

func encodeValue(v value.Value) wireValue {
	switch v.Kind() {
	case value.KindNull:
		return wireValue{Kind: "null"}
	case value.KindBool:
		return wireValue{Kind: "bool", Bool: v.AsBool()}
	case value.KindInt32:
		return wireValue{Kind: "int32", Int: int64(v.AsInt32())}
	case value.KindInt64:
		return wireValue{Kind: "int64", Int: v.AsInt64()}
	case value.KindFloat64:
		return wireValue{Kind: "float64", Bits: math.Float64bits(v.AsFloat64())}
	case value.KindTimestamp:
		return wireValue{Kind: "timestamp", Int: v.AsInt64()}
	case value.KindString:
		return wireValue{Kind: "string", Str: v.AsString()}
	case value.KindVector:
		return wireValue{Kind: "vector", Vec: v.AsVector(), Dim: v.Dimension()}
	case value.KindVectorInt8:
		return wireValue{Kind: "vector_int8", Vec8: v.AsVectorInt8(), Dim: v.Dimension()}
	default:
		return wireValue{Kind: "null"}
	}
}

func decodeValue(w wireValue) (value.Value, error) {
	switch w.Kind {
	case "null":
		return value.Null(), nil
	case "bool":
		return value.Bool(w.Bool), nil
	case "int32":
		return value.Int32(int32(w.Int)), nil
	case "int64":
		return value.Int64(w.Int), nil
	case "float64":
		return value.Float64(math.Float64frombits(w.Bits)), nil
	case "timestamp":
		return value.TimestampMillis(w.Int), nil
	case "string":
		return value.String(w.Str), nil
	case "vector":
		return value.Vector(w.Vec, w.Dim), nil
	case "vector_int8":
		return value.VectorInt8(w.Vec8, w.Dim), nil
	default:
		return value.Value{}, fmt.Errorf("persist: unknown value kind %q", w.Kind)
	}
}

func encodeTuple(t value.Tuple) []wireValue {
	out := make([]wireValue, len(t))
	for i, v := range t {
		out[i] = encodeValue(v)
	}
	return out
}

func decodeTuple(ws []wireValue) (value.Tuple, error) {
	out := make(value.Tuple, len(ws))
	for i, w := range ws {
		v, err := decodeValue(w)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
