package mrtd

import (
	"bytes"
	"io"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"

	"github.com/barnettlynn/mrtdtools/pkg/tlv"
)

// ChipAuthInfo is the Chip Authentication material advertised in DG14.
type ChipAuthInfo struct {
	Params    DHParams
	PublicKey []byte // chip static public key, padded to the prime size
	Version   int
}

// ChipAuthResult is the outcome of Chip Authentication.
type ChipAuthResult struct {
	Session *Session
	// EphemeralPublic is the terminal key sent with MSE:Set KAT. Terminal
	// Authentication signs its SHA-1.
	EphemeralPublic []byte
}

func caErr(step string, err error) error {
	return &AuthError{Protocol: "CA", Step: step, Cause: err}
}

// findSecurityInfo returns the first SecurityInfo whose OID equals oid.
func findSecurityInfo(set *tlv.Node, oid []byte) *tlv.Node {
	for _, si := range set.Children {
		if !si.Constructed() || len(si.Children) == 0 {
			continue
		}
		if o := si.Children[0]; o.TagRaw() == tlv.TagOID && bytes.Equal(o.Content, oid) {
			return si
		}
	}
	return nil
}

func securityInfoVersion(si *tlv.Node) (int, error) {
	n, err := si.Child(1, tlv.TagInteger)
	if err != nil {
		return 0, err
	}
	v, err := n.Uint()
	return int(v), err
}

// ParseChipAuthInfo extracts the DH Chip Authentication parameters from the
// DG14 SecurityInfos. It requires a TA info and a CA info, both version 1,
// and a DH ChipAuthenticationPublicKeyInfo.
func ParseChipAuthInfo(dg14 []byte) (*ChipAuthInfo, error) {
	root, err := tlv.Parse(dg14, false)
	if err != nil {
		return nil, errors.Wrap(err, "parse DG14")
	}
	set, err := root.Child(0, tlv.TagSet)
	if err != nil {
		return nil, errors.Wrap(err, "DG14 SecurityInfos")
	}

	ta := findSecurityInfo(set, OIDTA)
	if ta == nil {
		return nil, errors.Wrap(ErrUnsupportedChipAuthAlgorithm, "DG14 lacks a TA info")
	}
	if v, err := securityInfoVersion(ta); err != nil || v != 1 {
		return nil, errors.Wrapf(ErrUnsupportedChipAuthAlgorithm, "TA version %d", v)
	}
	ca := findSecurityInfo(set, OIDCADH3DES)
	if ca == nil {
		return nil, errors.Wrap(ErrUnsupportedChipAuthAlgorithm, "DG14 lacks id-CA-DH-3DES-CBC-CBC")
	}
	version, err := securityInfoVersion(ca)
	if err != nil || version != 1 {
		return nil, errors.Wrapf(ErrUnsupportedChipAuthAlgorithm, "CA version %d", version)
	}
	pk := findSecurityInfo(set, OIDPKDH)
	if pk == nil {
		return nil, errors.Wrap(ErrUnsupportedChipAuthAlgorithm, "DG14 lacks a DH public key info")
	}

	spki, err := pk.Child(1, tlv.TagSequence)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedChipAuthAlgorithm, err.Error())
	}
	domain, err := spki.Path(tlv.S(0, tlv.TagSequence), tlv.S(1, tlv.TagSequence))
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedChipAuthAlgorithm, err.Error())
	}
	prime, err := domain.Child(0, tlv.TagInteger)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedChipAuthAlgorithm, err.Error())
	}
	gen, err := domain.Child(1, tlv.TagInteger)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedChipAuthAlgorithm, err.Error())
	}
	params := DHParams{
		Prime:     bigFromBytes(prime.Content),
		Generator: bigFromBytes(gen.Content),
	}
	if q, err := domain.Child(2, tlv.TagInteger); err == nil {
		params.Order = bigFromBytes(q.Content)
	}
	if params.Prime.Sign() <= 0 {
		return nil, errors.Wrap(ErrUnsupportedChipAuthAlgorithm, "zero DH prime")
	}

	bits, err := spki.Child(1, tlv.TagBitString)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedChipAuthAlgorithm, err.Error())
	}
	if len(bits.Content) < 2 {
		return nil, errors.Wrap(ErrUnsupportedChipAuthAlgorithm, "empty public key")
	}
	pubInt, err := tlv.Parse(bits.Content[1:], false)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedChipAuthAlgorithm, err.Error())
	}
	if err := pubInt.CheckTag(tlv.TagInteger); err != nil {
		return nil, errors.Wrap(ErrUnsupportedChipAuthAlgorithm, err.Error())
	}

	return &ChipAuthInfo{
		Params:    params,
		PublicKey: leftPad(trimLeadingZeros(pubInt.Content), params.Size()),
		Version:   version,
	}, nil
}

// EncodeDG14 builds DG14 advertising TA v1, CA-DH-3DES v1 and the chip
// static DH public key pub over params.
func EncodeDG14(params DHParams, pub []byte) []byte {
	domain := concat(derInteger(params.Prime.Bytes()), derInteger(params.Generator.Bytes()))
	if params.Order != nil {
		domain = append(domain, derInteger(params.Order.Bytes())...)
	}
	spki := tlv.Wrap(tlv.TagSequence, concat(
		tlv.Wrap(tlv.TagSequence, concat(
			tlv.Wrap(tlv.TagOID, oidDHPublicNumber),
			tlv.Wrap(tlv.TagSequence, domain))),
		tlv.Wrap(tlv.TagBitString, append([]byte{0x00}, derInteger(pub)...))))
	infos := concat(
		tlv.Wrap(tlv.TagSequence, concat(tlv.Wrap(tlv.TagOID, OIDTA), derInteger([]byte{1}))),
		tlv.Wrap(tlv.TagSequence, concat(tlv.Wrap(tlv.TagOID, OIDCADH3DES), derInteger([]byte{1}))),
		tlv.Wrap(tlv.TagSequence, concat(tlv.Wrap(tlv.TagOID, OIDPKDH), spki)))
	return tlv.Wrap(0x6E, tlv.Wrap(tlv.TagSet, infos))
}

// ChipAuthenticate runs Chip Authentication over an established session and
// returns the new session. The old session is consumed. The chip proves
// possession of its static key implicitly: if it does not own it, the next
// secure messaging exchange fails with ErrSMIntegrity.
func ChipAuthenticate(card Card, sess *Session, info *ChipAuthInfo, rand io.Reader) (*ChipAuthResult, error) {
	if sess == nil {
		return nil, caErr("MSE:Set KAT", ErrNotAuthenticated)
	}
	key, err := GenerateDHKey(info.Params, rand)
	if err != nil {
		return nil, caErr("key generation", err)
	}

	cmd := apdu.Capdu{Ins: insMSE, P1: 0x41, P2: 0xA6, Data: tlv.Wrap(0x91, key.Public)}
	if len(cmd.Data) > apdu.MaxLenCommandDataStandard {
		_, err = sess.TransmitExtended(card, cmd, false)
	} else {
		_, err = sess.Transmit(card, cmd, false)
	}
	if err != nil {
		return nil, caErr("MSE:Set KAT", err)
	}

	secret, err := DHShared(info.Params, key.Private, info.PublicKey)
	if err != nil {
		return nil, caErr("key agreement", err)
	}
	kenc, kmac := SessionKeys(secret)
	next, err := NewSession(kenc, kmac, make([]byte, 8))
	if err != nil {
		return nil, caErr("session", err)
	}
	slog.Debug("chip authentication keys installed")
	return &ChipAuthResult{Session: next, EphemeralPublic: key.Public}, nil
}
