package mrtd

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/barnettlynn/mrtdtools/pkg/tlv"
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return k
}

type cvFixture struct {
	root, mid, leaf *CVCert
}

func newCVFixture(t *testing.T) cvFixture {
	t.Helper()
	rootKey, midKey, leafKey := rsaKey(t), rsaKey(t), rsaKey(t)
	from := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	to := time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)
	issue := func(issuer, name string, pub *rsa.PublicKey, signer *rsa.PrivateKey) *CVCert {
		c, err := IssueCVCert(CVTemplate{Issuer: issuer, Name: name, ValidFrom: from, Expires: to}, pub, signer)
		if err != nil {
			t.Fatalf("IssueCVCert %s: %v", name, err)
		}
		return c
	}
	return cvFixture{
		root: issue("UTCVCA00001", "UTCVCA00001", &rootKey.PublicKey, rootKey),
		mid:  issue("UTCVCA00001", "UTDV000001", &midKey.PublicKey, rootKey),
		leaf: issue("UTDV000001", "UTIS000001", &leafKey.PublicKey, midKey),
	}
}

func TestParseCVCertFields(t *testing.T) {
	f := newCVFixture(t)
	c, err := ParseCVCert(append(f.mid.Raw, 0x00, 0x00))
	if err != nil {
		t.Fatalf("ParseCVCert: %v", err)
	}
	if c.Name != "UTDV000001" || c.Issuer != "UTCVCA00001" {
		t.Fatalf("expected UTDV000001 issued by UTCVCA00001, got %s by %s", c.Name, c.Issuer)
	}
	if len(c.Raw) != len(f.mid.Raw) {
		t.Fatalf("expected raw length %d without trailing bytes, got %d", len(f.mid.Raw), len(c.Raw))
	}
	if !c.ValidFrom.Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)) || c.Expires.Year() != 2027 {
		t.Fatalf("unexpected validity %s", c)
	}
	if !c.IssuedBy(f.root) {
		t.Fatalf("expected mid to be issued by root")
	}
	if c.IssuedBy(f.leaf) {
		t.Fatalf("expected mid not to be issued by leaf")
	}
	if _, err := ParseCVCert([]byte{0x7F, 0x21, 0x02, 0x30, 0x00}); err == nil {
		t.Fatalf("expected error for certificate without body")
	}
}

func TestCVCertContentKeepsEncoding(t *testing.T) {
	f := newCVFixture(t)
	root, err := tlv.Parse(f.mid.Raw, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	body, sig := root.Children[0], root.Children[1]
	value := body.Value()
	// Same body with a three-byte length field.
	long := concat([]byte{0x7F, 0x4E, 0x83, 0x00, byte(len(value) >> 8), byte(len(value))}, value)
	content := concat(long, f.mid.Raw[sig.Start:sig.End])

	c, err := ParseCVCert(tlv.Wrap(tagCVCertificate, content))
	if err != nil {
		t.Fatalf("ParseCVCert: %v", err)
	}
	if !bytes.Equal(c.Content(), content) {
		t.Fatalf("expected content %X, got %X", content, c.Content())
	}
	if c.Name != "UTDV000001" {
		t.Fatalf("expected UTDV000001, got %s", c.Name)
	}
}

func TestCVChainResolve(t *testing.T) {
	f := newCVFixture(t)

	chain := NewCVChain(f.leaf, f.root, f.mid)
	path := chain.Resolve("", f.leaf)
	if len(path) != 3 || path[0] != f.root || path[1] != f.mid || path[2] != f.leaf {
		t.Fatalf("expected [root mid leaf], got %v", path)
	}

	path = chain.Resolve("UTCVCA00001", f.leaf)
	if len(path) != 2 || path[0] != f.mid || path[1] != f.leaf {
		t.Fatalf("expected [mid leaf] below the named root, got %v", path)
	}

	if path := chain.Resolve("UTCVCA00001", f.root); path == nil || len(path) != 0 {
		t.Fatalf("expected empty path for the root itself, got %v", path)
	}

	noMid := NewCVChain(f.leaf, f.root)
	if path := noMid.Resolve("", f.leaf); path != nil {
		t.Fatalf("expected nil without mid, got %v", path)
	}
	if path := chain.Resolve("OTHERCVCA", f.leaf); path != nil {
		t.Fatalf("expected nil for unknown root, got %v", path)
	}
}

func TestCVChainRejectsForgedLink(t *testing.T) {
	f := newCVFixture(t)
	// same holder name, different key
	forgedKey := rsaKey(t)
	forged, err := IssueCVCert(CVTemplate{Issuer: "UTCVCA00001", Name: "UTDV000001",
		ValidFrom: f.mid.ValidFrom, Expires: f.mid.Expires}, &forgedKey.PublicKey, forgedKey)
	if err != nil {
		t.Fatalf("IssueCVCert: %v", err)
	}
	chain := NewCVChain(f.root, forged, f.leaf)
	if path := chain.Resolve("", f.leaf); path != nil {
		t.Fatalf("expected nil with a forged intermediate, got %v", path)
	}
	chain.Add(f.mid)
	if path := chain.Resolve("", f.leaf); len(path) != 3 || path[1] != f.mid {
		t.Fatalf("expected the genuine intermediate to be picked, got %v", path)
	}
}

func TestLoadCVCertDirSkipsJunk(t *testing.T) {
	f := newCVFixture(t)
	dir := t.TempDir()
	files := map[string][]byte{
		"a.cvcert":  f.root.Raw,
		"b.cvcert":  f.mid.Raw,
		"notes.txt": []byte("not a certificate"),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	certs, err := LoadCVCertDir(dir)
	if err != nil {
		t.Fatalf("LoadCVCertDir: %v", err)
	}
	if len(certs) != 2 || certs[0].Name != "UTCVCA00001" || certs[1].Name != "UTDV000001" {
		t.Fatalf("expected root and mid, got %v", certs)
	}
	if _, err := LoadCVCertDir(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}
