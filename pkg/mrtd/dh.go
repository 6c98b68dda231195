package mrtd

import (
	"io"
	"math/big"

	"github.com/pkg/errors"
)

// dhPrivateRandomLen is the number of random bytes in a private exponent.
// The exponent is 0x01 followed by these bytes (160 bits).
const dhPrivateRandomLen = 19

// DHParams are finite field Diffie-Hellman domain parameters.
type DHParams struct {
	Prime     *big.Int
	Generator *big.Int
	Order     *big.Int // may be nil when unknown
}

// Size returns the byte length of the prime.
func (p DHParams) Size() int {
	return (p.Prime.BitLen() + 7) / 8
}

// DHKey is a Diffie-Hellman key pair. Public is left padded to the prime size.
type DHKey struct {
	Private []byte
	Public  []byte
}

// hexInt parses a hex constant; it panics on bad input and is only used on
// package constants.
func hexInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("mrtd: bad hex constant")
	}
	return v
}

// StandardDHParams2 is the 2048-bit MODP group with 224-bit prime order
// subgroup (RFC 5114, 2.3), standardized domain parameter id 2 for PACE.
var StandardDHParams2 = DHParams{
	Prime: hexInt("87A8E61DB4B6663CFFBBD19C651959998CEEF608660DD0F25D2CEED4435E3B00" +
		"E00DF8F1D61957D4FAF7DF4561B2AA3016C3D91134096FAA3BF4296D830E9A7C" +
		"209E0C6497517ABD5A8A9D306BCF67ED91F9E6725B4758C022E0B1EF4275BF7B" +
		"6C5BFC11D45F9088B941F54EB1E59BB8BC39A0BF12307F5C4FDB70C581B23F76" +
		"B63ACAE1CAA6B7902D52526735488A0EF13C6D9A51BFA4AB3AD8347796524D8E" +
		"F6A167B5A41825D967E144E5140564251CCACB83E6B486F6B3CA3F7971506026" +
		"C0B857F689962856DED4010ABD0BE621C3A3960A54E710C375F26375D7014103" +
		"A4B54330C198AF126116D2276E11715F693877FAD7EF09CADB094AE91E1A1597"),
	Generator: hexInt("3FB32C9B73134D0B2E77506660EDBD484CA7B18F21EF205407F4793A1A0BA125" +
		"10DBC15077BE463FFF4FED4AAC0BB555BE3A6C1B0C6B47B1BC3773BF7E8C6F62" +
		"901228F8C28CBB18A55AE31341000A650196F931C77A57F2DDF463E5E9EC144B" +
		"777DE62AAAB8A8628AC376D282D6ED3864E67982428EBC831D14348F6F2F9193" +
		"B5045AF2767164E1DFC967C1FB3F2E55A4BD1BFFE83B9C80D052B985D182EA0A" +
		"DB2A3B7313D3FE14C8484B1E052588B9B7D2BBD2DF016199ECD06E1557CD0915" +
		"B3353BBB64E0EC377FD028370DF92B52C7891428CDC67EB6184B523D1DB246C3" +
		"2F63078490F00EF8D647D148D47954515E2327CFEF98C582664B4C0F6CC41659"),
	Order: hexInt("8CF83642A709A097B447997640129DA299B1A47D1EB3750BA308B0FE64F5FBD3"),
}

// GenerateDHKey creates an ephemeral key pair. The private exponent is a
// prime sized value that is zero except for its last 20 bytes, the first of
// which is forced to 1.
func GenerateDHKey(params DHParams, rand io.Reader) (*DHKey, error) {
	if params.Prime == nil || params.Generator == nil {
		return nil, errors.New("DH parameters incomplete")
	}
	priv := make([]byte, 1+dhPrivateRandomLen)
	priv[0] = 0x01
	if _, err := io.ReadFull(rand, priv[1:]); err != nil {
		return nil, errors.Wrap(err, "read DH private key randomness")
	}
	x := new(big.Int).SetBytes(priv)
	pub := new(big.Int).Exp(params.Generator, x, params.Prime)
	return &DHKey{
		Private: leftPad(priv, params.Size()),
		Public:  leftPad(pub.Bytes(), params.Size()),
	}, nil
}

// DHShared computes otherPublic^private mod prime, left padded to the prime
// size.
func DHShared(params DHParams, private, otherPublic []byte) ([]byte, error) {
	y := new(big.Int).SetBytes(otherPublic)
	pMinus1 := new(big.Int).Sub(params.Prime, big.NewInt(1))
	// 1 and p-1 generate subgroups of order at most two.
	if y.Cmp(big.NewInt(1)) <= 0 || y.Cmp(pMinus1) >= 0 {
		return nil, errors.New("DH public key out of range")
	}
	x := new(big.Int).SetBytes(private)
	s := new(big.Int).Exp(y, x, params.Prime)
	return leftPad(s.Bytes(), params.Size()), nil
}

// GenericMap applies the PACE generic mapping: g' = g^nonce * secret mod p.
// It returns new parameters and leaves params untouched.
func GenericMap(params DHParams, secret, nonce []byte) DHParams {
	s := new(big.Int).SetBytes(nonce)
	h := new(big.Int).SetBytes(secret)
	g := new(big.Int).Exp(params.Generator, s, params.Prime)
	g.Mul(g, h).Mod(g, params.Prime)
	return DHParams{Prime: params.Prime, Generator: g, Order: params.Order}
}

// DHPublic computes generator^private mod prime, left padded to the prime
// size. Card-side code uses it to rebuild a public key from a stored
// private exponent.
func DHPublic(params DHParams, private []byte) []byte {
	x := new(big.Int).SetBytes(private)
	return leftPad(new(big.Int).Exp(params.Generator, x, params.Prime).Bytes(), params.Size())
}

func bigFromBytes(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}
