package mrtd

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"testing"

	"github.com/pkg/errors"
)

func TestSessionKeysFromKeySeed(t *testing.T) {
	kenc, kmac := SessionKeys(mustHex(t, "239ab9cb282daf66231dc5a4df6bfbae"))
	if want := mustHex(t, "ab94fcedf2664edfb9b291f85d7f77f2"); !bytes.Equal(kenc, want) {
		t.Fatalf("expected Kenc %X, got %X", want, kenc)
	}
	if want := mustHex(t, "7862d9ece03c1bcd4d77089dcf131442"); !bytes.Equal(kmac, want) {
		t.Fatalf("expected Kmac %X, got %X", want, kmac)
	}
}

func TestDES3AndRetailMACWorkedExample(t *testing.T) {
	kenc := mustHex(t, "ab94fdecf2674fdfb9b391f85d7f76f2")
	kmac := mustHex(t, "7962d9ece03d1acd4c76089dce131543")
	s := mustHex(t, "781723860c06c2264608f919887022120b795240cb7049b01c19b33e32804f0b")

	enc, err := DES3Encrypt(kenc, s)
	if err != nil {
		t.Fatalf("DES3Encrypt: %v", err)
	}
	if want := mustHex(t, "72c29c2371cc9bdb65b779b8e8d37b29ecc154aa56a8799fae2f498f76ed92f2"); !bytes.Equal(enc, want) {
		t.Fatalf("expected E_IFD %X, got %X", want, enc)
	}
	dec, err := DES3Decrypt(kenc, enc)
	if err != nil || !bytes.Equal(dec, s) {
		t.Fatalf("expected round trip to %X, got %X (%v)", s, dec, err)
	}
	mac, err := RetailMAC(kmac, ISOPad(enc))
	if err != nil {
		t.Fatalf("RetailMAC: %v", err)
	}
	if want := mustHex(t, "5f1448eea8ad90a7"); !bytes.Equal(mac, want) {
		t.Fatalf("expected M_IFD %X, got %X", want, mac)
	}

	flipped := ISOPad(enc)
	flipped[0] ^= 0x01
	other, err := RetailMAC(kmac, flipped)
	if err != nil || bytes.Equal(other, mac) {
		t.Fatalf("expected a single bit flip to change the MAC, got %X (%v)", other, err)
	}

	if _, err := DES3Encrypt(kenc, s[:5]); err == nil {
		t.Fatalf("expected error for unaligned input")
	}
	if _, err := RetailMAC(kmac[:5], s); err == nil {
		t.Fatalf("expected error for a 5 byte key")
	}
}

func TestPaddingHelpers(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "8000000000000000"},
		{"01020304", "0102030480000000"},
		{"0102030405060708", "01020304050607088000000000000000"},
	}
	for _, tt := range tests {
		got := ISOPad(mustHex(t, tt.in))
		if !bytes.Equal(got, mustHex(t, tt.want)) {
			t.Fatalf("ISOPad(%s): expected %s, got %X", tt.in, tt.want, got)
		}
		back, err := ISORemove(got)
		if err != nil || !bytes.Equal(back, mustHex(t, tt.in)) {
			t.Fatalf("ISORemove(%X): expected %s, got %X (%v)", got, tt.in, back, err)
		}
	}
	if _, err := ISORemove(mustHex(t, "0102030400000000")); !errors.Is(err, ErrInvalidPadding) {
		t.Fatalf("expected ErrInvalidPadding, got %v", err)
	}

	block, err := BT1Pad([]byte{0xAA, 0xBB}, 8)
	if err != nil {
		t.Fatalf("BT1Pad: %v", err)
	}
	if want := mustHex(t, "0001ffffff00aabb"); !bytes.Equal(block, want) {
		t.Fatalf("expected %X, got %X", want, block)
	}
	if data, err := RemoveBT1(block); err != nil || !bytes.Equal(data, []byte{0xAA, 0xBB}) {
		t.Fatalf("expected AABB, got %X (%v)", data, err)
	}
	if _, err := RemoveBT1(mustHex(t, "0002ffff00aa")); !errors.Is(err, ErrInvalidPadding) {
		t.Fatalf("expected ErrInvalidPadding for block type 2, got %v", err)
	}
}

func TestDHSharedRejectsDegeneratePeerKeys(t *testing.T) {
	p := StandardDHParams2.Prime
	key, err := GenerateDHKey(StandardDHParams2, rand.Reader)
	if err != nil {
		t.Fatalf("GenerateDHKey: %v", err)
	}
	tests := []struct {
		name    string
		peer    []byte
		wantErr bool
	}{
		{"zero", []byte{0x00}, true},
		{"one", []byte{0x01}, true},
		{"p-1", new(big.Int).Sub(p, big.NewInt(1)).Bytes(), true},
		{"p", p.Bytes(), true},
		{"two", []byte{0x02}, false},
		{"generator power", DHPublic(StandardDHParams2, []byte{0x05}), false},
	}
	for _, tt := range tests {
		_, err := DHShared(StandardDHParams2, key.Private, tt.peer)
		if tt.wantErr && err == nil {
			t.Fatalf("%s: expected error, got nil", tt.name)
		}
		if !tt.wantErr && err != nil {
			t.Fatalf("%s: expected no error, got %v", tt.name, err)
		}
	}
}

func TestRawRSAOpensPKCS1Signature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	for _, h := range []crypto.Hash{crypto.SHA1, crypto.SHA256} {
		hh := h.New()
		hh.Write([]byte("message"))
		digest := hh.Sum(nil)
		sig, err := rsa.SignPKCS1v15(nil, key, h, digest)
		if err != nil {
			t.Fatalf("SignPKCS1v15: %v", err)
		}
		em, err := RawRSA(key.N.Bytes(), big.NewInt(int64(key.E)).Bytes(), sig)
		if err != nil {
			t.Fatalf("RawRSA: %v", err)
		}
		di, err := RemoveBT1(em)
		if err != nil {
			t.Fatalf("RemoveBT1: %v", err)
		}
		got, err := RemoveDigestInfo(di, h)
		if err != nil || !bytes.Equal(got, digest) {
			t.Fatalf("expected %v digest %X, got %X (%v)", h, digest, got, err)
		}
		if _, err := RemoveDigestInfo(di, crypto.SHA512); !errors.Is(err, ErrUnsupportedDigestAlgorithm) {
			t.Fatalf("expected ErrUnsupportedDigestAlgorithm, got %v", err)
		}
	}
	if _, err := RawRSA([]byte{0x00}, []byte{0x03}, []byte{0x01}); err == nil {
		t.Fatalf("expected error for a zero modulus")
	}
}
