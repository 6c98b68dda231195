package mrtd

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// X509Chain resolves X.509 paths from a document signer up to a self-signed
// CSCA. Signatures are checked by raw RSA recomputation.
type X509Chain struct {
	certs []*x509.Certificate
}

// NewX509Chain returns a resolver over certs.
func NewX509Chain(certs ...*x509.Certificate) *X509Chain {
	return &X509Chain{certs: append([]*x509.Certificate{}, certs...)}
}

// Add appends certificates to the working set.
func (c *X509Chain) Add(certs ...*x509.Certificate) {
	c.certs = append(c.certs, certs...)
}

// Resolve returns [root, ..., cert] or nil when no path ends at a root.
// A certificate used as issuer is not considered again deeper in the same
// path.
func (c *X509Chain) Resolve(cert *x509.Certificate) []*x509.Certificate {
	if cert == nil {
		return nil
	}
	return resolveX509(cert, c.certs)
}

func resolveX509(cert *x509.Certificate, store []*x509.Certificate) []*x509.Certificate {
	if IsX509Root(cert) {
		return []*x509.Certificate{cert}
	}
	for i, cand := range store {
		if !X509IssuedBy(cert, cand) {
			continue
		}
		rest := make([]*x509.Certificate, 0, len(store)-1)
		rest = append(rest, store[:i]...)
		rest = append(rest, store[i+1:]...)
		if path := resolveX509(cand, rest); path != nil {
			return append(path, cert)
		}
	}
	return nil
}

// IsX509Root reports whether cert is self-issued, is a CA allowed to sign
// certificates and verifies under its own key.
func IsX509Root(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return false
	}
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return false
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return false
	}
	return X509IssuedBy(cert, cert)
}

// X509IssuedBy reports whether issuer's name, key identifier and key match
// cert's issuer and signature.
func X509IssuedBy(cert, issuer *x509.Certificate) bool {
	if err := checkX509Issuer(cert, issuer); err != nil {
		slog.Debug("issuer rejected", "subject", cert.Subject.String(), "candidate", issuer.Subject.String(), "reason", err)
		return false
	}
	return true
}

func checkX509Issuer(cert, issuer *x509.Certificate) error {
	if !bytes.Equal(cert.RawIssuer, issuer.RawSubject) {
		if err := sameName(cert.RawIssuer, issuer.RawSubject); err != nil {
			return err
		}
	}
	if len(cert.AuthorityKeyId) > 0 && !bytes.Equal(cert.AuthorityKeyId, issuer.SubjectKeyId) {
		return errors.New("authority key identifier mismatch")
	}
	pub, ok := issuer.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errors.Wrap(ErrUnsupportedSignatureAlgorithm, "issuer key is not RSA")
	}
	return verifyRawRSA(pub, cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature)
}

// sameName compares two distinguished names attribute by attribute,
// ignoring order and string encoding.
func sameName(a, b []byte) error {
	ma, err := nameAttributes(a)
	if err != nil {
		return err
	}
	mb, err := nameAttributes(b)
	if err != nil {
		return err
	}
	if len(ma) != len(mb) {
		return errors.New("issuer name attribute count differs")
	}
	for oid, v := range ma {
		if mb[oid] != v {
			return errors.Errorf("issuer name attribute %s differs", oid)
		}
	}
	return nil
}

func nameAttributes(raw []byte) (map[string]string, error) {
	var rdns pkix.RDNSequence
	if rest, err := asn1.Unmarshal(raw, &rdns); err != nil {
		return nil, errors.Wrap(err, "parse distinguished name")
	} else if len(rest) > 0 {
		return nil, errors.New("trailing data after distinguished name")
	}
	out := map[string]string{}
	for _, rdn := range rdns {
		for _, atv := range rdn {
			out[atv.Type.String()] = fmt.Sprint(atv.Value)
		}
	}
	return out, nil
}

// verifyRawRSA checks a PKCS#1 v1.5 signature by opening it with the public
// key and comparing the embedded digest.
func verifyRawRSA(pub *rsa.PublicKey, alg x509.SignatureAlgorithm, signed, sig []byte) error {
	var h crypto.Hash
	switch alg {
	case x509.SHA1WithRSA:
		h = crypto.SHA1
	case x509.SHA256WithRSA:
		h = crypto.SHA256
	default:
		return errors.Wrapf(ErrUnsupportedSignatureAlgorithm, "%v", alg)
	}
	return verifyRSADigest(pub.N.Bytes(), big.NewInt(int64(pub.E)).Bytes(), h, digestOf(h, signed), sig)
}

// verifyRSADigest opens sig with the key, strips BT1 and the DigestInfo for
// h, and compares the digest.
func verifyRSADigest(modulus, exponent []byte, h crypto.Hash, digest, sig []byte) error {
	block, err := RawRSA(modulus, exponent, sig)
	if err != nil {
		return errors.Wrap(ErrSignatureInvalid, err.Error())
	}
	info, err := RemoveBT1(block)
	if err != nil {
		return errors.Wrap(ErrSignatureInvalid, err.Error())
	}
	signed, err := RemoveDigestInfo(info, h)
	if err != nil {
		return err
	}
	if !bytes.Equal(signed, digest) {
		return errors.Wrap(ErrSignatureInvalid, "signed digest differs")
	}
	return nil
}

func digestOf(h crypto.Hash, data []byte) []byte {
	if h == crypto.SHA256 {
		return SHA256(data)
	}
	return SHA1(data)
}

// LoadX509Dir reads every PEM or DER certificate in dir. Files that do not
// parse are skipped.
func LoadX509Dir(dir string) ([]*x509.Certificate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read certificate dir %s", dir)
	}
	var certs []*x509.Certificate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Debug("skip certificate file", "path", path, "error", err)
			continue
		}
		parsed, err := ParseCertificates(data)
		if err != nil {
			slog.Debug("skip certificate file", "path", path, "error", err)
			continue
		}
		certs = append(certs, parsed...)
	}
	return certs, nil
}

// ParseCertificates decodes PEM CERTIFICATE blocks, or DER when data holds no
// PEM.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "parse PEM certificate")
		}
		certs = append(certs, c)
	}
	if len(certs) > 0 {
		return certs, nil
	}
	c, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse DER certificate")
	}
	return []*x509.Certificate{c}, nil
}
