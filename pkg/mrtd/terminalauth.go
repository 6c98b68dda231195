package mrtd

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"

	"github.com/barnettlynn/mrtdtools/pkg/tlv"
)

const (
	insPSO     = 0x2A
	insExtAuth = 0x82

	taShortSignature = 128
)

// Binding selects the chip identifier signed during Terminal Authentication.
type Binding int

const (
	// BindingStatic signs the document number and its check digit from the
	// DG1 MRZ.
	BindingStatic Binding = iota
	// BindingDynamic signs SHA-1 of the chip's PACE ephemeral public key.
	BindingDynamic
)

func (b Binding) String() string {
	if b == BindingDynamic {
		return "dynamic"
	}
	return "static"
}

// ParseBinding accepts "static" or "dynamic".
func ParseBinding(s string) (Binding, error) {
	switch s {
	case "static", "":
		return BindingStatic, nil
	case "dynamic":
		return BindingDynamic, nil
	}
	return 0, errors.Errorf("unknown terminal authentication binding %q", s)
}

// Signer produces the Terminal Authentication signature with the inspection
// system private key. SignatureSize reports the signature length in bytes.
type Signer interface {
	Sign(toSign []byte) ([]byte, error)
	SignatureSize() int
}

type signerFunc struct {
	size int
	fn   func([]byte) ([]byte, error)
}

func (s signerFunc) Sign(toSign []byte) ([]byte, error) { return s.fn(toSign) }
func (s signerFunc) SignatureSize() int                 { return s.size }

// SignerFunc adapts a plain function producing size-byte signatures.
func SignerFunc(size int, fn func(toSign []byte) ([]byte, error)) Signer {
	return signerFunc{size: size, fn: fn}
}

// RSASigner signs with an in-memory key using RSA PKCS#1 v1.5 over SHA-1
// (id-TA-RSA-v1-5-SHA-1).
type RSASigner struct {
	Key *rsa.PrivateKey
}

func (s RSASigner) Sign(toSign []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, s.Key, crypto.SHA1, SHA1(toSign))
}

func (s RSASigner) SignatureSize() int { return s.Key.Size() }

// TAParams carries the inputs of Terminal Authentication.
type TAParams struct {
	Chain    *CVChain
	IS       *CVCert
	Signer   Signer
	Binding  Binding
	CVCAName string

	// DocumentNumber is the 10 character document number with check digit
	// (static binding).
	DocumentNumber string
	// ChipPublic is the chip's PACE ephemeral public key (dynamic binding).
	ChipPublic []byte
	// CA is the result of the preceding Chip Authentication.
	CA *ChipAuthResult
}

func taErr(step string, err error) error {
	return &AuthError{Protocol: "TA", Step: step, Cause: err}
}

// ParseCVCAName returns the certificate holder reference stored in EF.CVCA:
// the content of its first data object.
func ParseCVCAName(efCVCA []byte) (string, error) {
	n, err := tlv.Parse(efCVCA, false)
	if err != nil {
		return "", errors.Wrap(err, "parse EF.CVCA")
	}
	if err := n.CheckTag(0x42); err != nil {
		return "", errors.Wrap(err, "EF.CVCA")
	}
	return string(n.Content), nil
}

// EncodeCVCA builds EF.CVCA for up to two trust point names, zero padded to
// 36 bytes.
func EncodeCVCA(names ...string) []byte {
	var out []byte
	for _, n := range names {
		out = append(out, tlv.Wrap(0x42, []byte(n))...)
	}
	for len(out) < 36 {
		out = append(out, 0x00)
	}
	return out
}

// TerminalBinding returns the chip identifier for the selected binding.
func TerminalBinding(b Binding, documentNumber string, chipPublic []byte) ([]byte, error) {
	switch b {
	case BindingStatic:
		if len(documentNumber) != 10 {
			return nil, errors.Errorf("static binding needs the 10 character document number, got %d", len(documentNumber))
		}
		return []byte(documentNumber), nil
	case BindingDynamic:
		if len(chipPublic) == 0 {
			return nil, errors.New("dynamic binding needs the PACE chip public key")
		}
		return SHA1(chipPublic), nil
	}
	return nil, errors.Errorf("unknown binding %d", b)
}

// TerminalToBeSigned assembles binding ‖ challenge ‖ SHA-1(CA ephemeral key).
func TerminalToBeSigned(binding, challenge, caEphemeral []byte) []byte {
	return concat(binding, challenge, SHA1(caEphemeral))
}

// TerminalAuthenticate proves the inspection system's authorization to the
// chip.
//
// Flow:
//  1. Resolve CVCA → IS in the CV certificate set
//  2. For each certificate: MSE:Set DST with its issuer, PSO:Verify
//     Certificate with its body
//  3. MSE:Set AT with the IS holder reference
//  4. GET CHALLENGE, sign binding ‖ challenge ‖ SHA-1(CA key), EXTERNAL
//     AUTHENTICATE
//
// Chip Authentication must have run on sess.
func TerminalAuthenticate(card Card, sess *Session, p TAParams) error {
	if p.CA == nil {
		return taErr("preconditions", ErrChipAuthRequired)
	}
	if sess == nil {
		return taErr("preconditions", ErrNotAuthenticated)
	}
	if p.IS == nil || p.Signer == nil {
		return taErr("preconditions", errors.New("inspection system certificate and signer are required"))
	}
	binding, err := TerminalBinding(p.Binding, p.DocumentNumber, p.ChipPublic)
	if err != nil {
		return taErr("binding", err)
	}

	chain := p.Chain
	if chain == nil {
		chain = NewCVChain()
	}
	path := chain.Resolve(p.CVCAName, p.IS)
	if path == nil {
		return taErr("chain", errors.Wrapf(ErrChainResolution, "no path from %s to %s", p.CVCAName, p.IS.Name))
	}

	for _, c := range path {
		slog.Debug("verify certificate", "name", c.Name, "issuer", c.Issuer)
		dst := apdu.Capdu{Ins: insMSE, P1: 0x81, P2: 0xB6, Data: tlv.Wrap(0x83, []byte(c.Issuer))}
		if _, err := sess.Transmit(card, dst, false); err != nil {
			return taErr("MSE:Set DST "+c.Name, err)
		}
		pso := apdu.Capdu{Ins: insPSO, P1: 0x00, P2: 0xBE, Data: c.Content()}
		if _, err := sess.TransmitExtended(card, pso, false); err != nil {
			return taErr("PSO:Verify Certificate "+c.Name, err)
		}
	}

	setAT := apdu.Capdu{Ins: insMSE, P1: 0x81, P2: 0xA4, Data: tlv.Wrap(0x83, []byte(p.IS.Name))}
	if _, err := sess.Transmit(card, setAT, false); err != nil {
		return taErr("MSE:Set AT", err)
	}

	challenge, err := sess.Transmit(card, apdu.Capdu{Ins: insGetChallenge, Ne: 8}, false)
	if err != nil {
		return taErr("GET CHALLENGE", err)
	}
	if len(challenge) != 8 {
		return taErr("GET CHALLENGE", errors.Errorf("expected 8 byte challenge, got %d", len(challenge)))
	}

	sig, err := p.Signer.Sign(TerminalToBeSigned(binding, challenge, p.CA.EphemeralPublic))
	if err != nil {
		return taErr("sign", err)
	}
	auth := apdu.Capdu{Ins: insExtAuth, P1: 0x00, P2: 0x00, Data: sig}
	if p.Signer.SignatureSize() > taShortSignature || len(sig) > apdu.MaxLenCommandDataStandard {
		_, err = sess.TransmitExtended(card, auth, false)
	} else {
		_, err = sess.Transmit(card, auth, false)
	}
	if err != nil {
		return taErr("EXTERNAL AUTHENTICATE", err)
	}
	slog.Debug("terminal authenticated", "is", p.IS.Name, "binding", p.Binding.String())
	return nil
}
