package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSignerPKCS1AndPKCS8(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	tmp := t.TempDir()
	files := map[string]*pem.Block{
		"pkcs1.pem": {Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)},
		"pkcs8.pem": {Type: "PRIVATE KEY", Bytes: pkcs8},
	}
	msg := []byte("to be signed")
	digest := sha1.Sum(msg)
	for name, block := range files {
		path := filepath.Join(tmp, name)
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		s, err := NewFileSigner(path)
		if err != nil {
			t.Fatalf("NewFileSigner %s: %v", name, err)
		}
		if s.SignatureSize() != 128 {
			t.Fatalf("expected 128 byte signatures, got %d", s.SignatureSize())
		}
		sig, err := s.Sign(msg)
		if err != nil {
			t.Fatalf("Sign %s: %v", name, err)
		}
		if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA1, digest[:], sig); err != nil {
			t.Fatalf("expected valid SHA-1 PKCS#1 signature from %s: %v", name, err)
		}
	}
}

func TestLoadKeyFileRejectsNonKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cert.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{0x30, 0x00}}), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadKeyFile(path); err == nil {
		t.Fatalf("expected error for a certificate PEM")
	}
}
