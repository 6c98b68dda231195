package mrtd

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/barnettlynn/mrtdtools/pkg/tlv"
)

// Card verifiable certificate tags (BSI TR-03110 part 3, appendix C).
const (
	tagCVCertificate = 0x7F21
	tagCVBody        = 0x7F4E
	tagCVProfile     = 0x5F29
	tagCVIssuer      = 0x42
	tagCVPublicKey   = 0x7F49
	tagCVModulus     = 0x81
	tagCVExponent    = 0x82
	tagCVHolder      = 0x5F20
	tagCVCHAT        = 0x7F4C
	tagCVCHATValue   = 0x53
	tagCVEffective   = 0x5F25
	tagCVExpiration  = 0x5F24
	tagCVSignature   = 0x5F37
)

// CVCert is a parsed RSA card verifiable certificate.
type CVCert struct {
	Raw       []byte // complete 7F21 encoding
	Profile   int
	Issuer    string // certification authority reference
	Name      string // certificate holder reference
	KeyOID    []byte
	Modulus   []byte
	Exponent  []byte
	RoleOID   []byte
	CHAT      []byte
	ValidFrom time.Time
	Expires   time.Time
	Signature []byte

	content []byte // value of 7F21: body followed by signature
}

// ParseCVCert parses a 7F21 certificate. Bytes after the certificate are
// ignored.
func ParseCVCert(data []byte) (*CVCert, error) {
	root, err := tlv.Parse(data, false)
	if err != nil {
		return nil, err
	}
	if err := root.CheckTag(tagCVCertificate); err != nil {
		return nil, err
	}
	body, err := root.Child(0, tagCVBody)
	if err != nil {
		return nil, err
	}
	sig, err := root.Child(1, tagCVSignature)
	if err != nil {
		return nil, err
	}

	c := &CVCert{
		Raw:       append([]byte{}, data[:root.End]...),
		Signature: append([]byte{}, sig.Content...),
		content:   append([]byte{}, data[body.Start:root.End]...),
	}
	fields := []uint64{tagCVProfile, tagCVIssuer, tagCVPublicKey, tagCVHolder, tagCVCHAT, tagCVEffective, tagCVExpiration}
	nodes := make([]*tlv.Node, len(fields))
	for i, tag := range fields {
		if nodes[i], err = body.Child(i, tag); err != nil {
			return nil, err
		}
	}

	profile, err := nodes[0].Uint()
	if err != nil {
		return nil, err
	}
	c.Profile = int(profile)
	c.Issuer = string(nodes[1].Content)
	c.Name = string(nodes[3].Content)

	pub := nodes[2]
	oid, err := pub.Child(0, tlv.TagOID)
	if err != nil {
		return nil, err
	}
	mod, err := pub.Child(1, tagCVModulus)
	if err != nil {
		return nil, err
	}
	exp, err := pub.Child(2, tagCVExponent)
	if err != nil {
		return nil, err
	}
	c.KeyOID = append([]byte{}, oid.Content...)
	c.Modulus = append([]byte{}, mod.Content...)
	c.Exponent = append([]byte{}, exp.Content...)

	chat := nodes[4]
	role, err := chat.Child(0, tlv.TagOID)
	if err != nil {
		return nil, err
	}
	value, err := chat.Child(1, tagCVCHATValue)
	if err != nil {
		return nil, err
	}
	c.RoleOID = append([]byte{}, role.Content...)
	c.CHAT = append([]byte{}, value.Content...)

	if c.ValidFrom, err = cvDate(nodes[5].Content); err != nil {
		return nil, errors.Wrap(err, "effective date")
	}
	if c.Expires, err = cvDate(nodes[6].Content); err != nil {
		return nil, errors.Wrap(err, "expiration date")
	}
	return c, nil
}

// cvDate decodes six unpacked BCD digits YYMMDD, years counted from 2000.
func cvDate(b []byte) (time.Time, error) {
	if len(b) != 6 {
		return time.Time{}, errors.Errorf("date of %d bytes", len(b))
	}
	for _, d := range b {
		if d > 9 {
			return time.Time{}, errors.Errorf("date digit %02X", d)
		}
	}
	year := 2000 + int(b[0])*10 + int(b[1])
	month := time.Month(int(b[2])*10 + int(b[3]))
	day := int(b[4])*10 + int(b[5])
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), nil
}

// EncodeCVDate is the inverse of the date decoding used in certificates.
func EncodeCVDate(t time.Time) []byte {
	y := t.Year() - 2000
	m := int(t.Month())
	d := t.Day()
	return []byte{byte(y / 10), byte(y % 10), byte(m / 10), byte(m % 10), byte(d / 10), byte(d % 10)}
}

// Content returns the value of the 7F21 template (body and signature), the
// data field of PSO:Verify Certificate.
func (c *CVCert) Content() []byte {
	return append([]byte{}, c.content...)
}

// SelfIssued reports whether the certificate names itself as issuer.
func (c *CVCert) SelfIssued() bool {
	return c.Issuer == c.Name
}

// IssuedBy reports whether parent's key opens the signature into a PKCS#1
// block type 1. The digest inside the block is not compared with the body;
// this is a known gap kept for compatibility with the chain builder.
func (c *CVCert) IssuedBy(parent *CVCert) bool {
	if parent == nil || len(parent.Modulus) == 0 {
		return false
	}
	block, err := RawRSA(parent.Modulus, parent.Exponent, c.Signature)
	if err != nil {
		return false
	}
	inner, err := RemoveBT1(block)
	if err != nil {
		return false
	}
	return len(inner) < len(block)
}

func (c *CVCert) String() string {
	return fmt.Sprintf("%s (issuer %s, valid %s to %s)", c.Name, c.Issuer,
		c.ValidFrom.Format("2006-01-02"), c.Expires.Format("2006-01-02"))
}

// LoadCVCertDir parses every file in dir as a CV certificate. Files that do
// not parse are skipped.
func LoadCVCertDir(dir string) ([]*CVCert, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read certificate dir %s", dir)
	}
	var certs []*CVCert
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
		c, err := ParseCVCert(data)
		if err != nil {
			slog.Debug("skip certificate file", "path", path, "error", err)
			continue
		}
		certs = append(certs, c)
	}
	return certs, nil
}

// CVTemplate holds the fields of a certificate to issue.
type CVTemplate struct {
	Issuer    string
	Name      string
	RoleOID   []byte // defaults to the inspection system role
	CHAT      []byte // defaults to DG3 read access
	ValidFrom time.Time
	Expires   time.Time
}

// IssueCVCert encodes a profile 0 certificate for pub and signs its body
// with issuerKey using RSA PKCS#1 v1.5 over SHA-1.
func IssueCVCert(t CVTemplate, pub *rsa.PublicKey, issuerKey *rsa.PrivateKey) (*CVCert, error) {
	role, chat := t.RoleOID, t.CHAT
	if role == nil {
		role = OIDRoleIS
	}
	if chat == nil {
		chat = []byte{0x01}
	}
	exp := big.NewInt(int64(pub.E)).Bytes()
	body := tlv.Wrap(tagCVBody, concat(
		tlv.Wrap(tagCVProfile, []byte{0x00}),
		tlv.Wrap(tagCVIssuer, []byte(t.Issuer)),
		tlv.Wrap(tagCVPublicKey, concat(
			tlv.Wrap(tlv.TagOID, OIDTARSASHA1),
			tlv.Wrap(tagCVModulus, pub.N.Bytes()),
			tlv.Wrap(tagCVExponent, exp))),
		tlv.Wrap(tagCVHolder, []byte(t.Name)),
		tlv.Wrap(tagCVCHAT, concat(tlv.Wrap(tlv.TagOID, role), tlv.Wrap(tagCVCHATValue, chat))),
		tlv.Wrap(tagCVEffective, EncodeCVDate(t.ValidFrom)),
		tlv.Wrap(tagCVExpiration, EncodeCVDate(t.Expires)),
	))
	digest := SHA1(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, issuerKey, crypto.SHA1, digest)
	if err != nil {
		return nil, errors.Wrap(err, "sign CV certificate")
	}
	return ParseCVCert(tlv.Wrap(tagCVCertificate, concat(body, tlv.Wrap(tagCVSignature, sig))))
}
