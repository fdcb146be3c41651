// Package baseline maintains the rolling per-contract statistics that
// describe a contract's normal behavior: average gas and value with their
// standard deviations over a seven-day window, and the daily transaction
// frequency. Wei amounts never leave arbitrary-precision integers; the
// standard deviation uses an integer square root so no boundary narrows a
// balance to a float.
package baseline

import (
	"math/big"

	"github.com/chainguard-network/chainguard/types"
)

const (
	// windowDays is the statistics window.
	windowDays = 7
	// minSamples is the smallest window population worth a baseline.
	minSamples = 10
)

// placeholderSelector keys the whole-contract gas profile until the store
// carries transaction input data to split per function.
const placeholderSelector = "0x00000000"

// Stats is one computed baseline.
type Stats struct {
	Samples     int
	AvgGas      uint64
	GasStdDev   uint64
	MinGas      uint64
	MaxGas      uint64
	AvgValue    *big.Int
	ValueStdDev *big.Int
	TxFrequency float64 // transactions per day over the window
}

// Compute derives the baseline statistics from a window of transactions.
// It returns false when the set is too small to be meaningful.
func Compute(txs []*types.Transaction) (Stats, bool) {
	if len(txs) < minSamples {
		return Stats{Samples: len(txs)}, false
	}

	gases := make([]*big.Int, len(txs))
	values := make([]*big.Int, len(txs))
	st := Stats{Samples: len(txs), MinGas: txs[0].GasUsed}
	for i, tx := range txs {
		gases[i] = new(big.Int).SetUint64(tx.GasUsed)
		v, ok := new(big.Int).SetString(tx.Value, 10)
		if !ok {
			v = new(big.Int)
		}
		values[i] = v
		if tx.GasUsed < st.MinGas {
			st.MinGas = tx.GasUsed
		}
		if tx.GasUsed > st.MaxGas {
			st.MaxGas = tx.GasUsed
		}
	}

	avgGas, gasDev := meanStdDev(gases)
	st.AvgGas = avgGas.Uint64()
	st.GasStdDev = gasDev.Uint64()
	st.AvgValue, st.ValueStdDev = meanStdDev(values)
	st.TxFrequency = float64(len(txs)) / windowDays
	return st, true
}

// meanStdDev returns the integer mean and the population standard
// deviation of a non-empty set, entirely in integer arithmetic.
func meanStdDev(values []*big.Int) (*big.Int, *big.Int) {
	n := big.NewInt(int64(len(values)))

	sum := new(big.Int)
	for _, v := range values {
		sum.Add(sum, v)
	}
	mean := new(big.Int).Div(sum, n)

	variance := new(big.Int)
	diff := new(big.Int)
	for _, v := range values {
		diff.Sub(v, mean)
		variance.Add(variance, diff.Mul(diff, diff))
	}
	variance.Div(variance, n)
	return mean, isqrt(variance)
}

// isqrt computes floor(sqrt(n)) by Newton's method on integers. The
// initial guess 2^ceil(bits/2) bounds sqrt(n) from above, so the sequence
// decreases monotonically onto the root.
func isqrt(n *big.Int) *big.Int {
	if n.Sign() <= 0 {
		return new(big.Int)
	}
	x := new(big.Int).Lsh(big.NewInt(1), uint((n.BitLen()+1)/2))
	for {
		y := new(big.Int).Div(n, x)
		y.Add(y, x)
		y.Rsh(y, 1)
		if y.Cmp(x) >= 0 {
			return x
		}
		x = y
	}
}
