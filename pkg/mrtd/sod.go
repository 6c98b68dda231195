package mrtd

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"log/slog"
	"math/big"
	"sort"

	"github.com/pkg/errors"

	"github.com/barnettlynn/mrtdtools/pkg/tlv"
)

const tagSOD = 0x77

// SOD is a parsed document security object: a CMS SignedData over an
// LDSSecurityObject that lists the hash of every data group.
type SOD struct {
	Raw []byte

	// LDSSecurityObject
	HashAlgorithm   crypto.Hash
	DataGroupHashes map[DG][]byte
	EContent        []byte

	// SignerInfo
	DigestAlgorithm crypto.Hash
	SignedAttrs     []byte // DER of the signed attributes re-tagged as SET
	MessageDigest   []byte
	SignatureOID    []byte
	Signature       []byte
	SignerIssuer    []byte // raw issuer Name of the signer identifier
	SignerSerial    *big.Int

	// Certificate is the document signer certificate embedded in the SOD.
	Certificate *x509.Certificate
}

func hashFromOID(oid []byte) (crypto.Hash, error) {
	switch {
	case bytes.Equal(oid, oidSHA1):
		return crypto.SHA1, nil
	case bytes.Equal(oid, oidSHA256):
		return crypto.SHA256, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedDigestAlgorithm, "%s", FormatOID(oid))
}

func hashOID(h crypto.Hash) ([]byte, []byte, error) {
	switch h {
	case crypto.SHA1:
		return oidSHA1, oidSHA1WithRSA, nil
	case crypto.SHA256:
		return oidSHA256, oidSHA256WithRSA, nil
	}
	return nil, nil, errors.Wrapf(ErrUnsupportedDigestAlgorithm, "%v", h)
}

func algorithmHash(alg *tlv.Node) (crypto.Hash, error) {
	if err := alg.CheckTag(tlv.TagSequence); err != nil {
		return 0, err
	}
	oid, err := alg.Child(0, tlv.TagOID)
	if err != nil {
		return 0, err
	}
	return hashFromOID(oid.Content)
}

// ParseSOD parses EF.SOD (tag 77 around a ContentInfo).
func ParseSOD(data []byte) (*SOD, error) {
	root, err := tlv.Parse(data, false)
	if err != nil {
		return nil, errors.Wrap(err, "parse EF.SOD")
	}
	if err := root.CheckTag(tagSOD); err != nil {
		return nil, err
	}
	ci, err := root.Child(0, tlv.TagSequence)
	if err != nil {
		return nil, err
	}
	ciType, err := ci.Child(0, tlv.TagOID)
	if err != nil {
		return nil, err
	}
	if err := ciType.Verify(oidSignedData); err != nil {
		return nil, errors.Wrap(err, "content type")
	}
	sd, err := ci.Path(tlv.S(1, 0xA0), tlv.S(0, tlv.TagSequence))
	if err != nil {
		return nil, err
	}
	version, err := sd.Child(0, tlv.TagInteger)
	if err != nil {
		return nil, err
	}
	if err := version.Verify([]byte{0x03}); err != nil {
		return nil, errors.Wrap(err, "SignedData version")
	}

	sod := &SOD{Raw: append([]byte{}, data[:root.End]...)}

	encap, err := sd.Child(2, tlv.TagSequence)
	if err != nil {
		return nil, err
	}
	eType, err := encap.Child(0, tlv.TagOID)
	if err != nil {
		return nil, err
	}
	if err := eType.Verify(oidLDSSecurityObject); err != nil {
		return nil, errors.Wrap(err, "encapsulated content type")
	}
	eContent, err := encap.Path(tlv.S(1, 0xA0), tlv.S(0, tlv.TagOctetString))
	if err != nil {
		return nil, err
	}
	sod.EContent = append([]byte{}, eContent.Content...)
	if err := sod.parseLDSSecurityObject(); err != nil {
		return nil, err
	}

	certNode, err := sd.Path(tlv.S(3, 0xA0), tlv.S(0, tlv.TagSequence))
	if err != nil {
		return nil, err
	}
	if sod.Certificate, err = x509.ParseCertificate(data[certNode.Start:certNode.End]); err != nil {
		return nil, errors.Wrap(err, "document signer certificate")
	}

	si, err := sd.Path(tlv.S(4, tlv.TagSet), tlv.S(0, tlv.TagSequence))
	if err != nil {
		return nil, err
	}
	if err := sod.parseSignerInfo(data, si); err != nil {
		return nil, err
	}
	return sod, nil
}

func (s *SOD) parseLDSSecurityObject() error {
	lso, err := tlv.Parse(s.EContent, false)
	if err != nil {
		return errors.Wrap(err, "parse LDSSecurityObject")
	}
	if err := lso.CheckTag(tlv.TagSequence); err != nil {
		return err
	}
	alg, err := lso.Child(1, tlv.TagSequence)
	if err != nil {
		return err
	}
	if s.HashAlgorithm, err = algorithmHash(alg); err != nil {
		return err
	}
	list, err := lso.Child(2, tlv.TagSequence)
	if err != nil {
		return err
	}
	s.DataGroupHashes = map[DG][]byte{}
	for _, entry := range list.Children {
		if err := entry.CheckTag(tlv.TagSequence); err != nil {
			return err
		}
		num, err := entry.Child(0, tlv.TagInteger)
		if err != nil {
			return err
		}
		n, err := num.Uint()
		if err != nil {
			return err
		}
		hash, err := entry.Child(1, tlv.TagOctetString)
		if err != nil {
			return err
		}
		s.DataGroupHashes[DG(n)] = append([]byte{}, hash.Content...)
	}
	return nil
}

func (s *SOD) parseSignerInfo(data []byte, si *tlv.Node) error {
	version, err := si.Child(0, tlv.TagInteger)
	if err != nil {
		return err
	}
	if err := version.Verify([]byte{0x01}); err != nil {
		return errors.Wrap(err, "SignerInfo version")
	}
	sid, err := si.Child(1, tlv.TagSequence)
	if err != nil {
		return err
	}
	issuer, err := sid.Child(0, tlv.TagSequence)
	if err != nil {
		return err
	}
	serial, err := sid.Child(1, tlv.TagInteger)
	if err != nil {
		return err
	}
	s.SignerIssuer = append([]byte{}, data[issuer.Start:issuer.End]...)
	s.SignerSerial = new(big.Int).SetBytes(serial.Content)

	digestAlg, err := si.Child(2, tlv.TagSequence)
	if err != nil {
		return err
	}
	if s.DigestAlgorithm, err = algorithmHash(digestAlg); err != nil {
		return err
	}

	attrs, err := si.Child(3, 0xA0)
	if err != nil {
		return err
	}
	signed := append([]byte{}, data[attrs.Start:attrs.End]...)
	signed[0] = tlv.TagSet
	s.SignedAttrs = signed
	for _, attr := range attrs.Children {
		oid, err := attr.Child(0, tlv.TagOID)
		if err != nil {
			return err
		}
		values, err := attr.Child(1, tlv.TagSet)
		if err != nil {
			return err
		}
		switch {
		case bytes.Equal(oid.Content, oidMessageDigest):
			md, err := values.Child(0, tlv.TagOctetString)
			if err != nil {
				return err
			}
			s.MessageDigest = append([]byte{}, md.Content...)
		case bytes.Equal(oid.Content, oidContentType):
			ct, err := values.Child(0, tlv.TagOID)
			if err != nil {
				return err
			}
			if err := ct.Verify(oidLDSSecurityObject); err != nil {
				return errors.Wrap(err, "signed content type")
			}
		}
	}
	if s.MessageDigest == nil {
		return errors.New("signed attributes lack a message digest")
	}

	sigAlg, err := si.Child(4, tlv.TagSequence)
	if err != nil {
		return err
	}
	sigOID, err := sigAlg.Child(0, tlv.TagOID)
	if err != nil {
		return err
	}
	s.SignatureOID = append([]byte{}, sigOID.Content...)
	sig, err := si.Child(5, tlv.TagOctetString)
	if err != nil {
		return err
	}
	s.Signature = append([]byte{}, sig.Content...)
	return nil
}

func (s *SOD) signatureHash() (crypto.Hash, error) {
	switch {
	case bytes.Equal(s.SignatureOID, oidSHA1WithRSA):
		return crypto.SHA1, nil
	case bytes.Equal(s.SignatureOID, oidSHA256WithRSA):
		return crypto.SHA256, nil
	case bytes.Equal(s.SignatureOID, oidRSAEncryption):
		return s.DigestAlgorithm, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedSignatureAlgorithm, "%s", FormatOID(s.SignatureOID))
}

// VerifySignature checks the message digest against the LDSSecurityObject,
// the signer signature over the signed attributes, and that the signer
// identifier names the embedded certificate.
func (s *SOD) VerifySignature() error {
	if !bytes.Equal(digestOf(s.DigestAlgorithm, s.EContent), s.MessageDigest) {
		return errors.Wrap(ErrDigestMismatch, "message digest does not match LDSSecurityObject")
	}

	pub, ok := s.Certificate.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errors.Wrap(ErrUnsupportedSignatureAlgorithm, "document signer key is not RSA")
	}
	h, err := s.signatureHash()
	if err != nil {
		return err
	}
	err = verifyRSADigest(pub.N.Bytes(), big.NewInt(int64(pub.E)).Bytes(), h, digestOf(h, s.SignedAttrs), s.Signature)
	if err != nil {
		return errors.Wrap(err, "SOD signature")
	}

	if !bytes.Equal(s.SignerIssuer, s.Certificate.RawIssuer) {
		if err := sameName(s.SignerIssuer, s.Certificate.RawIssuer); err != nil {
			return errors.Wrap(ErrSignatureInvalid, "signer issuer does not match the certificate: "+err.Error())
		}
	}
	if s.SignerSerial.Cmp(s.Certificate.SerialNumber) != 0 {
		return errors.Wrap(ErrSignatureInvalid, "signer serial number does not match the certificate")
	}
	return nil
}

// VerifyDataGroups compares the hash of every data group listed in the SOD
// with the content read from the chip. Unread data groups are skipped unless
// strict is set, in which case they fail with ErrDataGroupNotRead.
func (s *SOD) VerifyDataGroups(dgs *DataGroups, strict bool) error {
	listed := make([]DG, 0, len(s.DataGroupHashes))
	for dg := range s.DataGroupHashes {
		listed = append(listed, dg)
	}
	sort.Slice(listed, func(i, j int) bool { return listed[i] < listed[j] })

	for _, dg := range listed {
		content, ok := dgs.Get(dg)
		if !ok {
			if strict {
				return errors.Wrapf(ErrDataGroupNotRead, "%s", dg)
			}
			slog.Debug("data group not read, hash skipped", "dg", dg.String())
			continue
		}
		if !bytes.Equal(digestOf(s.HashAlgorithm, content), s.DataGroupHashes[dg]) {
			return errors.Wrapf(ErrDigestMismatch, "%s", dg)
		}
	}
	return nil
}

// VerifyChain resolves the document signer certificate up to a self-issued
// root among trusted and returns the path [root, ..., signer]. The root must
// be one of the trusted certificates.
func (s *SOD) VerifyChain(trusted []*x509.Certificate) ([]*x509.Certificate, error) {
	path := NewX509Chain(trusted...).Resolve(s.Certificate)
	if path == nil {
		return nil, errors.Wrapf(ErrChainResolution, "no trusted path for %s", s.Certificate.Subject.String())
	}
	root := path[0]
	if !bytes.Equal(root.RawSubject, root.RawIssuer) {
		return nil, errors.Wrap(ErrChainResolution, "path does not end at a self-issued root")
	}
	for _, t := range trusted {
		if bytes.Equal(t.Raw, root.Raw) {
			return path, nil
		}
	}
	return nil, errors.Wrapf(ErrChainResolution, "root %s is not trusted", root.Subject.String())
}

// VerifySOD runs passive authentication: SOD signature, data group hashes
// and, when trusted roots are given, the document signer chain.
func VerifySOD(raw []byte, dgs *DataGroups, trusted []*x509.Certificate, strict bool) (*SOD, error) {
	sod, err := ParseSOD(raw)
	if err != nil {
		return nil, err
	}
	if err := sod.VerifySignature(); err != nil {
		return nil, err
	}
	if err := sod.VerifyDataGroups(dgs, strict); err != nil {
		return nil, err
	}
	if len(trusted) > 0 {
		if _, err := sod.VerifyChain(trusted); err != nil {
			return nil, err
		}
	}
	return sod, nil
}

// SignSOD builds EF.SOD over the data groups in dgs (DG1..DG16) and signs it
// with the document signer key. cert is embedded and named as signer.
func SignSOD(dgs *DataGroups, h crypto.Hash, cert *x509.Certificate, key *rsa.PrivateKey) ([]byte, error) {
	digestOID, sigOID, err := hashOID(h)
	if err != nil {
		return nil, err
	}
	algID := tlv.Wrap(tlv.TagSequence, concat(tlv.Wrap(tlv.TagOID, digestOID), tlv.Wrap(tlv.TagNull, nil)))

	var hashes []byte
	for _, dg := range dgs.List() {
		if dg < DG1 || dg > DG16 {
			continue
		}
		content, _ := dgs.Get(dg)
		hashes = append(hashes, tlv.Wrap(tlv.TagSequence, concat(
			derInteger([]byte{byte(dg)}),
			tlv.Wrap(tlv.TagOctetString, digestOf(h, content))))...)
	}
	lso := tlv.Wrap(tlv.TagSequence, concat(
		derInteger([]byte{0}),
		algID,
		tlv.Wrap(tlv.TagSequence, hashes)))

	attrs := concat(
		tlv.Wrap(tlv.TagSequence, concat(
			tlv.Wrap(tlv.TagOID, oidContentType),
			tlv.Wrap(tlv.TagSet, tlv.Wrap(tlv.TagOID, oidLDSSecurityObject)))),
		tlv.Wrap(tlv.TagSequence, concat(
			tlv.Wrap(tlv.TagOID, oidMessageDigest),
			tlv.Wrap(tlv.TagSet, tlv.Wrap(tlv.TagOctetString, digestOf(h, lso))))))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, h, digestOf(h, tlv.Wrap(tlv.TagSet, attrs)))
	if err != nil {
		return nil, errors.Wrap(err, "sign SOD")
	}

	signerInfo := tlv.Wrap(tlv.TagSequence, concat(
		derInteger([]byte{1}),
		tlv.Wrap(tlv.TagSequence, concat(cert.RawIssuer, derInteger(cert.SerialNumber.Bytes()))),
		algID,
		tlv.Wrap(0xA0, attrs),
		tlv.Wrap(tlv.TagSequence, concat(tlv.Wrap(tlv.TagOID, sigOID), tlv.Wrap(tlv.TagNull, nil))),
		tlv.Wrap(tlv.TagOctetString, sig)))
	signedData := tlv.Wrap(tlv.TagSequence, concat(
		derInteger([]byte{3}),
		tlv.Wrap(tlv.TagSet, algID),
		tlv.Wrap(tlv.TagSequence, concat(
			tlv.Wrap(tlv.TagOID, oidLDSSecurityObject),
			tlv.Wrap(0xA0, tlv.Wrap(tlv.TagOctetString, lso)))),
		tlv.Wrap(0xA0, cert.Raw),
		tlv.Wrap(tlv.TagSet, signerInfo)))
	contentInfo := tlv.Wrap(tlv.TagSequence, concat(
		tlv.Wrap(tlv.TagOID, oidSignedData),
		tlv.Wrap(0xA0, signedData)))
	return tlv.Wrap(tagSOD, contentInfo), nil
}
