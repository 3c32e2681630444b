package application

import (
	"fmt"
	"math/bits"
)

const maxScaleDecimals = 19

// Scaler converts source-chain amounts into destination-chain base units.
type Scaler struct {
	factor uint64
}

func NewScaler(decimals uint) (Scaler, error) {
	if decimals > maxScaleDecimals {
		return Scaler{}, fmt.Errorf("scale decimals %d exceeds %d", decimals, maxScaleDecimals)
	}
	factor := uint64(1)
	for i := uint(0); i < decimals; i++ {
		factor *= 10
	}
	return Scaler{factor: factor}, nil
}

func (s Scaler) Factor() uint64 {
	if s.factor == 0 {
		return 1
	}
	return s.factor
}

func (s Scaler) ToDestination(amount uint64) (uint64, error) {
	hi, lo := bits.Mul64(amount, s.Factor())
	if hi != 0 {
		return 0, fmt.Errorf("amount %d overflows destination units at factor %d", amount, s.Factor())
	}
	return lo, nil
}
