package mrtd

import (
	"crypto"
	"crypto/x509"
	"testing"

	"github.com/pkg/errors"
)

func sodDataGroups() *DataGroups {
	dgs := NewDataGroups()
	dgs.Set(DG1, EncodeDG1("P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<L898902C36UTO7408122F1204159ZE184226B<<<<<10"))
	dgs.Set(DG2, []byte{0x75, 0x03, 0x01, 0x02, 0x03})
	dgs.Set(DG14, []byte{0x6E, 0x02, 0x31, 0x00})
	return dgs
}

func TestVerifySODUntampered(t *testing.T) {
	f := newX509Fixture(t)
	for _, h := range []crypto.Hash{crypto.SHA1, crypto.SHA256} {
		dgs := sodDataGroups()
		raw, err := SignSOD(dgs, h, f.leaf, f.leafKey)
		if err != nil {
			t.Fatalf("SignSOD %v: %v", h, err)
		}
		sod, err := VerifySOD(raw, dgs, []*x509.Certificate{f.root, f.mid}, true)
		if err != nil {
			t.Fatalf("VerifySOD %v: %v", h, err)
		}
		if sod.HashAlgorithm != h || len(sod.DataGroupHashes) != 3 {
			t.Fatalf("expected 3 %v hashes, got %d with %v", h, len(sod.DataGroupHashes), sod.HashAlgorithm)
		}
		if sod.Certificate.SerialNumber.Cmp(f.leaf.SerialNumber) != 0 {
			t.Fatalf("expected embedded DS certificate")
		}
		path, err := sod.VerifyChain([]*x509.Certificate{f.mid, f.root})
		if err != nil || len(path) != 3 || path[0] != f.root {
			t.Fatalf("expected [root mid leaf], got %d certificates (%v)", len(path), err)
		}
	}
}

func TestVerifySODTamperedDataGroup(t *testing.T) {
	f := newX509Fixture(t)
	dgs := sodDataGroups()
	raw, err := SignSOD(dgs, crypto.SHA256, f.leaf, f.leafKey)
	if err != nil {
		t.Fatalf("SignSOD: %v", err)
	}
	dg2, _ := dgs.Get(DG2)
	dg2[len(dg2)-1] ^= 0x01
	dgs.Set(DG2, dg2)
	if _, err := VerifySOD(raw, dgs, nil, false); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestVerifySODStrictMode(t *testing.T) {
	f := newX509Fixture(t)
	raw, err := SignSOD(sodDataGroups(), crypto.SHA256, f.leaf, f.leafKey)
	if err != nil {
		t.Fatalf("SignSOD: %v", err)
	}
	partial := NewDataGroups()
	dg1, _ := sodDataGroups().Get(DG1)
	partial.Set(DG1, dg1)

	if _, err := VerifySOD(raw, partial, nil, false); err != nil {
		t.Fatalf("expected unread data groups to be skipped, got %v", err)
	}
	if _, err := VerifySOD(raw, partial, nil, true); !errors.Is(err, ErrDataGroupNotRead) {
		t.Fatalf("expected ErrDataGroupNotRead, got %v", err)
	}
}

func TestVerifySODRejectsBadSignatureAndUntrustedChain(t *testing.T) {
	f := newX509Fixture(t)
	dgs := sodDataGroups()
	raw, err := SignSOD(dgs, crypto.SHA256, f.leaf, f.leafKey)
	if err != nil {
		t.Fatalf("SignSOD: %v", err)
	}
	sod, err := ParseSOD(raw)
	if err != nil {
		t.Fatalf("ParseSOD: %v", err)
	}
	sod.Signature[len(sod.Signature)/2] ^= 0x01
	if err := sod.VerifySignature(); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}

	other := newX509Fixture(t)
	if _, err := VerifySOD(raw, dgs, []*x509.Certificate{other.root, other.mid}, false); !errors.Is(err, ErrChainResolution) {
		t.Fatalf("expected ErrChainResolution, got %v", err)
	}
}

func TestVerifySODRejectsSelfSignedSigner(t *testing.T) {
	f := newX509Fixture(t)
	key := rsaKey(t)
	ds := issueX509(t, 9, "Rogue Signer", true, &key.PublicKey, nil, key)
	dgs := sodDataGroups()
	raw, err := SignSOD(dgs, crypto.SHA256, ds, key)
	if err != nil {
		t.Fatalf("SignSOD: %v", err)
	}

	tests := []struct {
		name    string
		trusted []*x509.Certificate
		wantErr bool
	}{
		{"unrelated root", []*x509.Certificate{f.root}, true},
		{"unrelated chain", []*x509.Certificate{f.root, f.mid}, true},
		{"signer itself trusted", []*x509.Certificate{f.root, ds}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := VerifySOD(raw, dgs, tt.trusted, false)
			if tt.wantErr && !errors.Is(err, ErrChainResolution) {
				t.Fatalf("expected ErrChainResolution, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}

	sod, err := ParseSOD(raw)
	if err != nil {
		t.Fatalf("ParseSOD: %v", err)
	}
	if _, err := sod.VerifyChain([]*x509.Certificate{f.root}); !errors.Is(err, ErrChainResolution) {
		t.Fatalf("expected ErrChainResolution, got %v", err)
	}
}

func TestParseSODRejectsWrongTemplate(t *testing.T) {
	if _, err := ParseSOD([]byte{0x60, 0x00}); err == nil {
		t.Fatalf("expected error for EF.COM passed as EF.SOD")
	}
}
