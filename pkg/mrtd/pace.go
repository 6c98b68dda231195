package mrtd

import (
	"bytes"
	"crypto/subtle"
	"io"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"

	"github.com/barnettlynn/mrtdtools/pkg/tlv"
)

// PACE password references for MSE:Set AT.
const (
	PasswordMRZ byte = 1
	PasswordCAN byte = 2
)

// StandardParameterID2 selects the 2048-bit MODP group of RFC 5114.
const StandardParameterID2 = 2

const (
	insMSE             = 0x22
	insGeneralAuth     = 0x86
	claChaining        = 0x10
	cardAccessFID      = 0x011C
	cardAccessChunkLen = 200
)

// PACEInfo is one PACEInfo entry of EF.CardAccess.
type PACEInfo struct {
	OID         []byte
	Version     int
	ParameterID int
}

// Supported reports whether the info selects generic mapping DH with 3DES and
// standard parameter set 2.
func (p PACEInfo) Supported() bool {
	return bytes.Equal(p.OID, OIDPACEDHGM3DES) && p.ParameterID == StandardParameterID2
}

// PACEResult is the outcome of a PACE run.
type PACEResult struct {
	Session *Session
	// ChipPublic is the chip's ephemeral public key on the mapped group. Its
	// SHA-1 is the dynamic binding of Terminal Authentication.
	ChipPublic []byte
}

func paceErr(step string, err error) error {
	return &AuthError{Protocol: "PACE", Step: step, Cause: err}
}

// ReadCardAccess reads EF.CardAccess in plain mode. Only file not found is
// taken from the SELECT status; some chips answer it with a warning.
func ReadCardAccess(card Card) ([]byte, error) {
	sel := apdu.Capdu{Ins: 0xA4, P1: 0x02, P2: 0x0C, Data: []byte{byte(cardAccessFID >> 8), byte(cardAccessFID & 0xFF)}}
	r, err := TransmitCommand(card, sel)
	if err != nil {
		return nil, err
	}
	if StatusWord(r) == SWFileNotFound {
		return nil, checkOK(0xA4, r)
	}
	head, err := ReadBinary(card, 0, 6)
	if err != nil {
		return nil, errors.Wrap(err, "read EF.CardAccess header")
	}
	total, err := tlv.ParseLength(head)
	if err != nil {
		return nil, errors.Wrap(err, "EF.CardAccess length")
	}
	data := append([]byte{}, head...)
	for len(data) < total {
		n := total - len(data)
		if n > cardAccessChunkLen {
			n = cardAccessChunkLen
		}
		chunk, err := ReadBinary(card, len(data), n)
		if err != nil {
			return nil, errors.Wrapf(err, "read EF.CardAccess at %d", len(data))
		}
		if len(chunk) == 0 {
			return nil, errors.Errorf("EF.CardAccess truncated at %d of %d bytes", len(data), total)
		}
		data = append(data, chunk...)
	}
	if len(data) > total {
		data = data[:total]
	}
	return data, nil
}

// ParseCardAccess returns every PACEInfo in the SecurityInfos SET of
// EF.CardAccess. Other SecurityInfo entries are skipped.
func ParseCardAccess(data []byte) ([]PACEInfo, error) {
	root, err := tlv.Parse(data, false)
	if err != nil {
		return nil, err
	}
	if err := root.CheckTag(tlv.TagSet); err != nil {
		return nil, err
	}
	var infos []PACEInfo
	for _, si := range root.Children {
		if si.TagRaw() != tlv.TagSequence || len(si.Children) < 2 {
			continue
		}
		oid := si.Children[0]
		if oid.TagRaw() != tlv.TagOID || !bytes.HasPrefix(oid.Content, oidPACEPrefix) || len(oid.Content) != len(OIDPACEDHGM3DES) {
			continue
		}
		version, err := si.Children[1].Uint()
		if err != nil {
			return nil, err
		}
		info := PACEInfo{OID: append([]byte{}, oid.Content...), Version: int(version), ParameterID: -1}
		if p, err := si.Child(2, tlv.TagInteger); err == nil {
			id, err := p.Uint()
			if err != nil {
				return nil, err
			}
			info.ParameterID = int(id)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// EncodeCardAccess builds EF.CardAccess holding the given PACEInfos. A
// negative ParameterID is left out.
func EncodeCardAccess(infos ...PACEInfo) []byte {
	var set []byte
	for _, p := range infos {
		si := concat(tlv.Wrap(tlv.TagOID, p.OID), derInteger([]byte{byte(p.Version)}))
		if p.ParameterID >= 0 {
			si = append(si, derInteger([]byte{byte(p.ParameterID)})...)
		}
		set = append(set, tlv.Wrap(tlv.TagSequence, si)...)
	}
	return tlv.Wrap(tlv.TagSet, set)
}

// SupportedPACEInfo picks the first supported entry.
func SupportedPACEInfo(infos []PACEInfo) (PACEInfo, error) {
	for _, p := range infos {
		if p.Supported() {
			return p, nil
		}
	}
	if len(infos) == 0 {
		return PACEInfo{}, errors.Wrap(ErrUnsupportedPACEParameters, "no PACEInfo in EF.CardAccess")
	}
	return PACEInfo{}, errors.Wrapf(ErrUnsupportedPACEParameters, "%s parameter id %d", FormatOID(infos[0].OID), infos[0].ParameterID)
}

// generalAuthenticate sends one GENERAL AUTHENTICATE step: 7C { tag value }.
// It returns the value of respTag inside the 7C response template.
func generalAuthenticate(card Card, cla byte, tag uint64, value []byte, respTag uint64) ([]byte, error) {
	var data []byte
	if tag == 0 {
		data = tlv.Wrap(0x7C, nil)
	} else {
		data = tlv.Wrap(0x7C, tlv.Wrap(tag, value))
	}
	r, err := TransmitCommand(card, apdu.Capdu{Cla: cla, Ins: insGeneralAuth, Data: data, Ne: 256})
	if err != nil {
		return nil, err
	}
	if err := checkOK(insGeneralAuth, r); err != nil {
		return nil, err
	}
	resp, err := tlv.Parse(r.Data, false)
	if err != nil {
		return nil, err
	}
	if err := resp.CheckTag(0x7C); err != nil {
		return nil, err
	}
	obj := resp.ChildByTag(respTag)
	if obj == nil {
		return nil, errors.Errorf("dynamic authentication data lacks tag %X", respTag)
	}
	return obj.Content, nil
}

// PasswordKey derives the key that encrypts the PACE nonce.
func PasswordKey(password []byte) []byte {
	return KDF(password, kdfNonce)
}

// AuthenticationToken computes the PACE token over a public key:
// MAC(KSmac, 7F49 { 06 oid, 84 pub }).
func AuthenticationToken(kmac, oid, pub []byte) ([]byte, error) {
	keyData := tlv.Wrap(0x7F49, concat(tlv.Wrap(tlv.TagOID, oid), tlv.Wrap(0x84, pub)))
	return RetailMAC(kmac, ISOPad(keyData))
}

// PACE runs PACE with generic mapping over DH parameter set 2.
//
// Flow:
//  1. MSE:Set AT with the protocol OID and password reference
//  2. GA1: decrypt the chip nonce with KDF(password, 3)
//  3. GA2: ephemeral DH exchange, generic mapping g' = g^s * H
//  4. GA3: ephemeral DH exchange on g', session keys from the secret
//  5. GA4: exchange and verify authentication tokens
//  6. SSC = 0, SM SELECT of the LDS application
//
// rand supplies both ephemeral private keys.
func PACE(card Card, password []byte, mode byte, info PACEInfo, rand io.Reader) (*PACEResult, error) {
	if !info.Supported() {
		return nil, paceErr("parameters", errors.Wrapf(ErrUnsupportedPACEParameters, "%s parameter id %d", FormatOID(info.OID), info.ParameterID))
	}
	if mode != PasswordMRZ && mode != PasswordCAN {
		return nil, paceErr("parameters", errors.Errorf("unknown password type %d", mode))
	}
	params := StandardDHParams2
	kpi := PasswordKey(password)

	setAT := concat(tlv.Wrap(0x80, info.OID), tlv.Wrap(0x83, []byte{mode}))
	r, err := TransmitCommand(card, apdu.Capdu{Ins: insMSE, P1: 0xC1, P2: 0xA4, Data: setAT})
	if err != nil {
		return nil, paceErr("MSE:Set AT", err)
	}
	if err := checkOK(insMSE, r); err != nil {
		return nil, paceErr("MSE:Set AT", err)
	}

	encNonce, err := generalAuthenticate(card, claChaining, 0, nil, 0x80)
	if err != nil {
		return nil, paceErr("GA1", err)
	}
	nonce, err := DES3Decrypt(kpi, encNonce)
	if err != nil {
		return nil, paceErr("GA1", err)
	}

	key1, err := GenerateDHKey(params, rand)
	if err != nil {
		return nil, paceErr("GA2", err)
	}
	chipPub1, err := generalAuthenticate(card, claChaining, 0x81, key1.Public, 0x82)
	if err != nil {
		return nil, paceErr("GA2", err)
	}
	mapSecret, err := DHShared(params, key1.Private, chipPub1)
	if err != nil {
		return nil, paceErr("GA2", err)
	}
	mapped := GenericMap(params, mapSecret, nonce)

	key2, err := GenerateDHKey(mapped, rand)
	if err != nil {
		return nil, paceErr("GA3", err)
	}
	chipPub2, err := generalAuthenticate(card, claChaining, 0x83, key2.Public, 0x84)
	if err != nil {
		return nil, paceErr("GA3", err)
	}
	chipPub2 = leftPad(chipPub2, params.Size())
	if bytes.Equal(chipPub2, key2.Public) {
		return nil, paceErr("GA3", errors.New("chip echoed the terminal ephemeral key"))
	}
	secret, err := DHShared(mapped, key2.Private, chipPub2)
	if err != nil {
		return nil, paceErr("GA3", err)
	}
	kenc, kmac := SessionKeys(secret)

	token, err := AuthenticationToken(kmac, info.OID, chipPub2)
	if err != nil {
		return nil, paceErr("GA4", err)
	}
	chipToken, err := generalAuthenticate(card, 0x00, 0x85, token, 0x86)
	if err != nil {
		return nil, paceErr("GA4", err)
	}
	want, err := AuthenticationToken(kmac, info.OID, key2.Public)
	if err != nil {
		return nil, paceErr("GA4", err)
	}
	if subtle.ConstantTimeCompare(want, chipToken) != 1 {
		return nil, paceErr("GA4", ErrAuthenticationTokenMismatch)
	}

	sess, err := NewSession(kenc, kmac, make([]byte, 8))
	if err != nil {
		return nil, paceErr("session", err)
	}
	if _, err := sess.Transmit(card, apdu.Capdu{Ins: 0xA4, P1: 0x04, P2: 0x0C, Data: LDSAID}, false); err != nil {
		return nil, paceErr("SELECT", err)
	}
	slog.Debug("PACE established", "ssc", hexU(sess.SSC()))
	return &PACEResult{Session: sess, ChipPublic: chipPub2}, nil
}
