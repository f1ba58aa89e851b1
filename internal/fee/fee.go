// Package fee implements the deterministic access fee split.
package fee

import (
	"math/bits"

	errordefs "github.com/RegistryAccord/registryaccord-iot-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
)

const (
	// ReferencePeriod is one day of ledger heights; a stream's price covers one period.
	ReferencePeriod uint64 = 144
	// BasisPoints is the denominator of the platform fee rate.
	BasisPoints uint64 = 10000
)

// Calculate splits the cost of accessing a stream priced at pricePerAccess for duration
// heights. The order of operations is fixed: multiply before dividing, truncate each
// division. Intermediate products are computed in 128 bits; an error is returned only
// when a result does not fit in 64 bits.
func Calculate(pricePerAccess, duration, platformFeeRateBPS uint64) (model.Fee, error) {
	base, ok := mulDiv(pricePerAccess, duration, ReferencePeriod)
	if !ok {
		return model.Fee{}, errordefs.New(errordefs.IOT_VALIDATION, "base fee overflows", "")
	}
	platform, ok := mulDiv(base, platformFeeRateBPS, BasisPoints)
	if !ok {
		return model.Fee{}, errordefs.New(errordefs.IOT_VALIDATION, "platform fee overflows", "")
	}
	total, carry := bits.Add64(base, platform, 0)
	if carry != 0 {
		return model.Fee{}, errordefs.New(errordefs.IOT_VALIDATION, "total fee overflows", "")
	}
	return model.Fee{BaseFee: base, PlatformFee: platform, TotalFee: total}, nil
}

// mulDiv returns (a*b)/d truncated, reporting false if the quotient exceeds 64 bits.
func mulDiv(a, b, d uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return 0, false
	}
	q, _ := bits.Div64(hi, lo, d)
	return q, true
}
