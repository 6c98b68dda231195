// Package chipsim simulates an ICAO 9303 chip for tests and the emulator
// tool. It plays the card side of BAC, PACE, secure messaging, Chip and
// Terminal Authentication over a synthetic document.
package chipsim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
	"github.com/barnettlynn/mrtdtools/pkg/tlv"
)

// SpecimenMRZ is the TD3 specimen of ICAO 9303 part 4.
const SpecimenMRZ = "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<" +
	"L898902C36UTO7408122F1204159ZE184226B<<<<<10"

// specimenPortrait is a JP2 signature box followed by filler; it is located
// by mrtd.Portrait but is not a decodable image.
var specimenPortrait = append([]byte{
	0x00, 0x00, 0x00, 0x0C, 0x6A, 0x50, 0x20, 0x20, 0x0D, 0x0A, 0x87, 0x0A,
	0x00, 0x00, 0x00, 0x14, 0x66, 0x74, 0x79, 0x70, 0x6A, 0x70, 0x32, 0x20,
}, make([]byte, 64)...)

// Options describe the synthetic document. Zero values select the specimen.
type Options struct {
	MRZ       string
	CAN       string
	Personal  *mrtd.PersonalData
	IssueDate string // YYYYMMDD
	Portrait  []byte
	// Fingerprints is the DG3 payload, readable only after Terminal
	// Authentication.
	Fingerprints []byte
	CVCAName     string
	Hash         crypto.Hash // SOD digest, SHA-256 by default
	KeyBits      int         // RSA size for the PKI keys, 1024 by default
	// Rand seeds the chip static DH key. Defaults to crypto/rand.
	Rand io.Reader
}

// Document is the content and key material of a simulated chip.
type Document struct {
	MRZ        *mrtd.MRZ
	CAN        string
	Files      *mrtd.DataGroups
	CardAccess []byte

	ChipParams mrtd.DHParams
	ChipKey    *mrtd.DHKey

	CSCA    *x509.Certificate
	CSCAKey *rsa.PrivateKey
	DS      *x509.Certificate
	DSKey   *rsa.PrivateKey

	CVCA    *mrtd.CVCert
	CVCAKey *rsa.PrivateKey
}

// Terminal is an inspection system PKI below a document's CVCA.
type Terminal struct {
	DV    *mrtd.CVCert
	IS    *mrtd.CVCert
	DVKey *rsa.PrivateKey
	ISKey *rsa.PrivateKey
}

// Chain returns a CV resolver holding the DV and IS certificates.
func (t *Terminal) Chain() *mrtd.CVChain {
	return mrtd.NewCVChain(t.DV, t.IS)
}

// Signer signs with the IS key.
func (t *Terminal) Signer() mrtd.Signer {
	return mrtd.RSASigner{Key: t.ISKey}
}

func (o *Options) defaults() {
	if o.MRZ == "" {
		o.MRZ = SpecimenMRZ
	}
	if o.CAN == "" {
		o.CAN = "123456"
	}
	if o.Personal == nil {
		o.Personal = &mrtd.PersonalData{
			PrimaryName:    "ERIKSSON",
			SecondaryName:  "ANNA MARIA",
			PlaceOfBirth:   "ZENITH",
			Address:        []string{"1 MAIN STREET", "ZENITH"},
			PersonalNumber: "ZE184226B",
		}
	}
	if o.IssueDate == "" {
		o.IssueDate = "20120416"
	}
	if o.Portrait == nil {
		o.Portrait = specimenPortrait
	}
	if o.Fingerprints == nil {
		o.Fingerprints = []byte("FIR\x00synthetic fingerprint record")
	}
	if o.CVCAName == "" {
		o.CVCAName = "UTCVCA00001"
	}
	if o.Hash == 0 {
		o.Hash = crypto.SHA256
	}
	if o.KeyBits == 0 {
		o.KeyBits = 1024
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
}

// NewDocument builds a complete synthetic document: data groups, EF.COM,
// EF.CVCA, EF.CardAccess, the chip static key, a CSCA and document signer
// pair and an EF.SOD signed by the document signer.
func NewDocument(o Options) (*Document, error) {
	o.defaults()
	mrz, err := mrtd.ParseMRZ(o.MRZ)
	if err != nil {
		return nil, errors.Wrap(err, "parse MRZ")
	}
	d := &Document{
		MRZ:        mrz,
		CAN:        o.CAN,
		Files:      mrtd.NewDataGroups(),
		ChipParams: mrtd.StandardDHParams2,
		CardAccess: mrtd.EncodeCardAccess(mrtd.PACEInfo{
			OID:         mrtd.OIDPACEDHGM3DES,
			Version:     2,
			ParameterID: mrtd.StandardParameterID2,
		}),
	}
	if d.ChipKey, err = mrtd.GenerateDHKey(d.ChipParams, o.Rand); err != nil {
		return nil, errors.Wrap(err, "chip key")
	}

	personal := *o.Personal
	personal.IssueDate = o.IssueDate
	d.Files.Set(mrtd.DG1, mrtd.EncodeDG1(mrz.Raw))
	d.Files.Set(mrtd.DG2, mrtd.EncodeDG2(o.Portrait))
	d.Files.Set(mrtd.DG3, tlv.Wrap(0x63, tlv.Wrap(0x7F61, concat(
		tlv.Wrap(tlv.TagInteger, []byte{0x01}),
		tlv.Wrap(0x7F60, tlv.Wrap(0x5F2E, o.Fingerprints))))))
	d.Files.Set(mrtd.DG11, mrtd.EncodeDG11(&personal))
	d.Files.Set(mrtd.DG12, mrtd.EncodeDG12(o.IssueDate))
	d.Files.Set(mrtd.DG14, mrtd.EncodeDG14(d.ChipParams, d.ChipKey.Public))
	d.Files.Set(mrtd.EFCOM, mrtd.EncodeCOM(mrtd.DG1, mrtd.DG2, mrtd.DG3, mrtd.DG11, mrtd.DG12, mrtd.DG14))
	d.Files.Set(mrtd.EFCVCA, mrtd.EncodeCVCA(o.CVCAName))

	if err := d.issuePKI(o); err != nil {
		return nil, err
	}
	sod, err := mrtd.SignSOD(d.Files, o.Hash, d.DS, d.DSKey)
	if err != nil {
		return nil, err
	}
	d.Files.Set(mrtd.EFSOD, sod)
	return d, nil
}

func (d *Document) issuePKI(o Options) error {
	var err error
	if d.CSCAKey, err = rsa.GenerateKey(rand.Reader, o.KeyBits); err != nil {
		return errors.Wrap(err, "CSCA key")
	}
	if d.DSKey, err = rsa.GenerateKey(rand.Reader, o.KeyBits); err != nil {
		return errors.Wrap(err, "DS key")
	}
	if d.CVCAKey, err = rsa.GenerateKey(rand.Reader, o.KeyBits); err != nil {
		return errors.Wrap(err, "CVCA key")
	}
	state := d.MRZ.IssuingState
	now := time.Now()
	if d.CSCA, err = issueX509(1, pkix.Name{Country: []string{state}, CommonName: "CSCA " + state}, true,
		&d.CSCAKey.PublicKey, nil, d.CSCAKey, now); err != nil {
		return errors.Wrap(err, "CSCA certificate")
	}
	if d.DS, err = issueX509(2, pkix.Name{Country: []string{state}, CommonName: "Document Signer " + state}, false,
		&d.DSKey.PublicKey, d.CSCA, d.CSCAKey, now); err != nil {
		return errors.Wrap(err, "DS certificate")
	}
	d.CVCA, err = mrtd.IssueCVCert(mrtd.CVTemplate{
		Issuer:    o.CVCAName,
		Name:      o.CVCAName,
		ValidFrom: now.AddDate(0, 0, -1),
		Expires:   now.AddDate(3, 0, 0),
	}, &d.CVCAKey.PublicKey, d.CVCAKey)
	return errors.Wrap(err, "CVCA certificate")
}

func issueX509(serial int64, name pkix.Name, ca bool, pub *rsa.PublicKey, parent *x509.Certificate, signer *rsa.PrivateKey, now time.Time) (*x509.Certificate, error) {
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               name,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(5, 0, 0),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		BasicConstraintsValid: true,
		IsCA:                  ca,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	if ca {
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}
	if parent == nil {
		parent = tmpl
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// IssueTerminal creates a DV certificate under the document's CVCA and an
// IS certificate under the DV.
func (d *Document) IssueTerminal(dvName, isName string) (*Terminal, error) {
	t := &Terminal{}
	var err error
	if t.DVKey, err = rsa.GenerateKey(rand.Reader, d.CVCAKey.Size()*8); err != nil {
		return nil, errors.Wrap(err, "DV key")
	}
	if t.ISKey, err = rsa.GenerateKey(rand.Reader, d.CVCAKey.Size()*8); err != nil {
		return nil, errors.Wrap(err, "IS key")
	}
	if t.DV, err = mrtd.IssueCVCert(mrtd.CVTemplate{
		Issuer:    d.CVCA.Name,
		Name:      dvName,
		ValidFrom: d.CVCA.ValidFrom,
		Expires:   d.CVCA.Expires,
	}, &t.DVKey.PublicKey, d.CVCAKey); err != nil {
		return nil, errors.Wrap(err, "DV certificate")
	}
	if t.IS, err = mrtd.IssueCVCert(mrtd.CVTemplate{
		Issuer:    dvName,
		Name:      isName,
		ValidFrom: d.CVCA.ValidFrom,
		Expires:   d.CVCA.Expires,
	}, &t.ISKey.PublicKey, t.DVKey); err != nil {
		return nil, errors.Wrap(err, "IS certificate")
	}
	return t, nil
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
