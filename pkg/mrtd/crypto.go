package mrtd

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/sha1"
	"crypto/sha256"

	"github.com/pkg/errors"
)

// KDF counters from ICAO 9303 part 11, 9.7.1.
const (
	kdfEnc   = 1
	kdfMac   = 2
	kdfNonce = 3
)

func tdesCipher(key []byte) (cipher.Block, error) {
	var k []byte
	switch len(key) {
	case 16:
		k = make([]byte, 0, 24)
		k = append(k, key...)
		k = append(k, key[:8]...)
	case 24:
		k = key
	default:
		return nil, errors.Errorf("3DES key must be 16 or 24 bytes, got %d", len(key))
	}
	return des.NewTripleDESCipher(k)
}

// DES3Encrypt encrypts block aligned data with 3DES in CBC mode and a zero IV.
func DES3Encrypt(key, data []byte) ([]byte, error) {
	if len(data)%des.BlockSize != 0 {
		return nil, errors.New("3DES encrypt: data not block aligned")
	}
	block, err := tdesCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, make([]byte, des.BlockSize)).CryptBlocks(out, data)
	return out, nil
}

// DES3Decrypt decrypts block aligned data with 3DES in CBC mode and a zero IV.
func DES3Decrypt(key, data []byte) ([]byte, error) {
	if len(data)%des.BlockSize != 0 {
		return nil, errors.New("3DES decrypt: data not block aligned")
	}
	block, err := tdesCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, make([]byte, des.BlockSize)).CryptBlocks(out, data)
	return out, nil
}

// RetailMAC computes ISO 9797-1 MAC algorithm 3. The key is split into k1,
// k2 and k3; a 16 byte key uses k3=k1 and an 8 byte key uses k1 throughout.
// Input that is not block aligned is zero padded; callers apply ISOPad first
// when method 2 padding is wanted.
func RetailMAC(key, data []byte) ([]byte, error) {
	if len(key) != 8 && len(key) != 16 && len(key) != 24 {
		return nil, errors.Errorf("retail MAC key must be 8, 16 or 24 bytes, got %d", len(key))
	}
	k1 := key[:8]
	k2, k3 := k1, k1
	if len(key) >= 16 {
		k2 = key[8:16]
	}
	if len(key) >= 24 {
		k3 = key[16:24]
	}
	c1, err := des.NewCipher(k1)
	if err != nil {
		return nil, err
	}
	c2, err := des.NewCipher(k2)
	if err != nil {
		return nil, err
	}
	c3, err := des.NewCipher(k3)
	if err != nil {
		return nil, err
	}

	msg := data
	if r := len(msg) % des.BlockSize; r != 0 || len(msg) == 0 {
		msg = make([]byte, len(data)+des.BlockSize-r)
		copy(msg, data)
	}
	y := make([]byte, des.BlockSize)
	for i := 0; i < len(msg); i += des.BlockSize {
		for j := 0; j < des.BlockSize; j++ {
			y[j] ^= msg[i+j]
		}
		c1.Encrypt(y, y)
	}
	c2.Decrypt(y, y)
	c3.Encrypt(y, y)
	return y, nil
}

// SHA1 returns the SHA-1 digest of data.
func SHA1(data ...[]byte) []byte {
	h := sha1.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data ...[]byte) []byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// KDF derives a 16 byte 3DES key: SHA-1(secret || counter)[:16].
func KDF(secret []byte, counter uint32) []byte {
	c := []byte{byte(counter >> 24), byte(counter >> 16), byte(counter >> 8), byte(counter)}
	return SHA1(secret, c)[:16]
}

// SessionKeys derives the encryption and MAC keys from a shared secret or
// key seed.
func SessionKeys(secret []byte) (kenc, kmac []byte) {
	return KDF(secret, kdfEnc), KDF(secret, kdfMac)
}
