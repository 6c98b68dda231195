package mrtd

import (
	"math/big"

	"github.com/pkg/errors"
)

// RawRSA computes data^exponent mod modulus. Leading zero bytes of the
// modulus are ignored and the result is left padded to the modulus size.
func RawRSA(modulus, exponent, data []byte) ([]byte, error) {
	mod := trimLeadingZeros(modulus)
	if len(mod) == 0 || (len(mod) == 1 && mod[0] == 0) {
		return nil, errors.New("RSA modulus is zero")
	}
	n := new(big.Int).SetBytes(mod)
	e := new(big.Int).SetBytes(exponent)
	m := new(big.Int).SetBytes(data)
	if m.Cmp(n) >= 0 {
		return nil, errors.New("RSA input not smaller than modulus")
	}
	return leftPad(new(big.Int).Exp(m, e, n).Bytes(), len(mod)), nil
}
