// Package capped implements saturating arithmetic on 256-bit unsigned
// amounts. Overflow clamps to Max and underflow clamps to zero; no operation
// returns an error.
package capped

import "github.com/holiman/uint256"

var maxInt = func() uint256.Int {
	var m uint256.Int
	m.SetAllOne()
	return m
}()

// Max returns the saturation ceiling.
func Max() uint256.Int { return maxInt }

// Add returns a+b, or Max on overflow.
func Add(a, b uint256.Int) uint256.Int {
	var z uint256.Int
	if _, overflow := z.AddOverflow(&a, &b); overflow {
		return maxInt
	}
	return z
}

// Sub returns a-b, or zero when b > a.
func Sub(a, b uint256.Int) uint256.Int {
	var z uint256.Int
	if _, underflow := z.SubOverflow(&a, &b); underflow {
		return uint256.Int{}
	}
	return z
}

// Mul returns a*b, or Max on overflow. When a is zero it returns zero
// without multiplying.
func Mul(a, b uint256.Int) uint256.Int {
	if a.IsZero() {
		return uint256.Int{}
	}
	var z uint256.Int
	if _, overflow := z.MulOverflow(&a, &b); overflow {
		return maxInt
	}
	return z
}

// Div returns the truncated quotient a/b, and zero when b is zero.
func Div(a, b uint256.Int) uint256.Int {
	var z uint256.Int
	z.Div(&a, &b)
	return z
}

// Min returns the smaller of a and b.
func Min(a, b uint256.Int) uint256.Int {
	if a.Lt(&b) {
		return a
	}
	return b
}

// U64 lifts a uint64 into an amount.
func U64(v uint64) uint256.Int {
	var z uint256.Int
	z.SetUint64(v)
	return z
}
