package mrtd

import (
	"bytes"
	"crypto"

	"github.com/pkg/errors"

	"github.com/barnettlynn/mrtdtools/pkg/tlv"
)

// DigestInfo prefixes (PKCS#1 v1.5) for the digests used in ICAO 9303.
var (
	sha1DigestInfo   = []byte{0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2B, 0x0E, 0x03, 0x02, 0x1A, 0x05, 0x00, 0x04, 0x14}
	sha256DigestInfo = []byte{0x30, 0x31, 0x30, 0x0D, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20}
)

// ISOPad applies ISO 9797-1 padding method 2 to an 8 byte block size: 0x80
// then zeros. A full block is added when data is already aligned.
func ISOPad(data []byte) []byte {
	padLen := 8 - (len(data) % 8)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// ISORemove strips ISO 9797-1 method 2 padding. Trailing bytes after the
// 0x80 marker must all be zero.
func ISORemove(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 {
		return nil, errors.Wrap(ErrInvalidPadding, "ISO 9797 padding marker missing")
	}
	return append([]byte{}, data[:idx]...), nil
}

// BT1Pad builds an n byte PKCS#1 block type 1: 00 01 FF..FF 00 data.
func BT1Pad(data []byte, n int) ([]byte, error) {
	if len(data) > n-3 {
		return nil, errors.Wrapf(ErrInvalidPadding, "%d bytes do not fit a %d byte BT1 block", len(data), n)
	}
	out := make([]byte, n)
	out[1] = 0x01
	ffEnd := n - len(data) - 1
	for i := 2; i < ffEnd; i++ {
		out[i] = 0xFF
	}
	copy(out[ffEnd+1:], data)
	return out, nil
}

// RemoveBT1 strips PKCS#1 block type 1 padding.
func RemoveBT1(block []byte) ([]byte, error) {
	if len(block) < 2 || block[0] != 0x00 || block[1] != 0x01 {
		return nil, errors.Wrap(ErrInvalidPadding, "BT1 header 00 01 missing")
	}
	for i := 2; i < len(block); i++ {
		switch block[i] {
		case 0xFF:
		case 0x00:
			return append([]byte{}, block[i+1:]...), nil
		default:
			return nil, errors.Wrapf(ErrInvalidPadding, "unexpected byte %02X in BT1 padding", block[i])
		}
	}
	return nil, errors.Wrap(ErrInvalidPadding, "BT1 terminator missing")
}

// RemoveDigestInfo strips the DigestInfo prefix for h and returns the bare
// digest.
func RemoveDigestInfo(data []byte, h crypto.Hash) ([]byte, error) {
	var prefix []byte
	switch h {
	case crypto.SHA1:
		prefix = sha1DigestInfo
	case crypto.SHA256:
		prefix = sha256DigestInfo
	default:
		return nil, errors.Wrapf(ErrUnsupportedDigestAlgorithm, "%v", h)
	}
	if !bytes.HasPrefix(data, prefix) || len(data) != len(prefix)+h.Size() {
		return nil, errors.Wrapf(ErrUnsupportedDigestAlgorithm, "DigestInfo does not match %v", h)
	}
	return append([]byte{}, data[len(prefix):]...), nil
}

// AddDigestInfo prefixes a bare digest with its DigestInfo header.
func AddDigestInfo(digest []byte, h crypto.Hash) ([]byte, error) {
	switch h {
	case crypto.SHA1:
		return append(append([]byte{}, sha1DigestInfo...), digest...), nil
	case crypto.SHA256:
		return append(append([]byte{}, sha256DigestInfo...), digest...), nil
	}
	return nil, errors.Wrapf(ErrUnsupportedDigestAlgorithm, "%v", h)
}

func xorBytes(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, errors.Errorf("xor of %d and %d bytes", len(a), len(b))
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out, nil
}

// incrementCounter adds one to a big-endian counter in place, wrapping to
// zero on overflow.
func incrementCounter(ctr []byte) {
	for i := len(ctr) - 1; i >= 0; i-- {
		ctr[i]++
		if ctr[i] != 0 {
			return
		}
	}
}

// leftPad returns b left padded with zeros to n bytes.
func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

func trimLeadingZeros(b []byte) []byte {
	for len(b) > 1 && b[0] == 0 {
		b = b[1:]
	}
	return b
}

// derInteger encodes an unsigned big-endian value as a DER INTEGER.
func derInteger(v []byte) []byte {
	v = trimLeadingZeros(v)
	if len(v) == 0 {
		v = []byte{0x00}
	}
	if v[0]&0x80 != 0 {
		v = append([]byte{0x00}, v...)
	}
	return tlv.Wrap(tlv.TagInteger, v)
}
