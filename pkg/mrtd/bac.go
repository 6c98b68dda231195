package mrtd

import (
	"bytes"
	"crypto/subtle"
	"io"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

const (
	insGetChallenge   = 0x84
	insMutualAuth     = 0x82
	bacChallengeLen   = 8
	bacKeyMaterialLen = 16
)

func bacErr(step string, err error) error {
	return &AuthError{Protocol: "BAC", Step: step, Cause: err}
}

// BAC runs Basic Access Control with a key seed from MRZKeySeed and
// returns the secure messaging session. rand supplies RND.IFD followed by
// K.IFD.
//
// Flow:
//  1. SELECT the LDS application
//  2. GET CHALLENGE -> RND.IC
//  3. MUTUAL AUTHENTICATE with E(RND.IFD || RND.IC || K.IFD) and its MAC
//  4. Check the chip's cryptogram, derive keys from K.IFD xor K.IC
//  5. SSC = last 4 bytes of RND.IC || last 4 bytes of RND.IFD
func BAC(card Card, seed []byte, rand io.Reader) (*Session, error) {
	if len(seed) != 16 {
		return nil, bacErr("key seed", errors.Errorf("expected 16 byte seed, got %d", len(seed)))
	}
	kenc, kmac := SessionKeys(seed)

	if err := SelectLDS(card); err != nil {
		return nil, bacErr("SELECT", err)
	}

	r, err := TransmitCommand(card, apdu.Capdu{Ins: insGetChallenge, Ne: bacChallengeLen})
	if err != nil {
		return nil, bacErr("GET CHALLENGE", err)
	}
	if err := checkOK(insGetChallenge, r); err != nil {
		return nil, bacErr("GET CHALLENGE", err)
	}
	if len(r.Data) != bacChallengeLen {
		return nil, bacErr("GET CHALLENGE", errors.Errorf("expected %d byte challenge, got %d", bacChallengeLen, len(r.Data)))
	}
	rndIC := r.Data

	rndIFD := make([]byte, bacChallengeLen)
	kIFD := make([]byte, bacKeyMaterialLen)
	if _, err := io.ReadFull(rand, rndIFD); err != nil {
		return nil, bacErr("random", err)
	}
	if _, err := io.ReadFull(rand, kIFD); err != nil {
		return nil, bacErr("random", err)
	}

	eIFD, err := DES3Encrypt(kenc, concat(rndIFD, rndIC, kIFD))
	if err != nil {
		return nil, bacErr("MUTUAL AUTHENTICATE", err)
	}
	mIFD, err := RetailMAC(kmac, ISOPad(eIFD))
	if err != nil {
		return nil, bacErr("MUTUAL AUTHENTICATE", err)
	}

	r, err = TransmitCommand(card, apdu.Capdu{Ins: insMutualAuth, Data: concat(eIFD, mIFD), Ne: 40})
	if err != nil {
		return nil, bacErr("MUTUAL AUTHENTICATE", err)
	}
	if err := checkOK(insMutualAuth, r); err != nil {
		return nil, bacErr("MUTUAL AUTHENTICATE", err)
	}
	if len(r.Data) != 40 {
		return nil, bacErr("MUTUAL AUTHENTICATE", errors.Errorf("expected 40 byte cryptogram, got %d", len(r.Data)))
	}

	mIC, err := RetailMAC(kmac, ISOPad(r.Data[:32]))
	if err != nil {
		return nil, bacErr("MUTUAL AUTHENTICATE", err)
	}
	if subtle.ConstantTimeCompare(mIC, r.Data[32:]) != 1 {
		return nil, bacErr("MUTUAL AUTHENTICATE", errors.Wrap(ErrSMIntegrity, "chip cryptogram MAC mismatch"))
	}
	dec, err := DES3Decrypt(kenc, r.Data[:32])
	if err != nil {
		return nil, bacErr("MUTUAL AUTHENTICATE", err)
	}
	if !bytes.Equal(dec[:8], rndIC) || !bytes.Equal(dec[8:16], rndIFD) {
		return nil, bacErr("MUTUAL AUTHENTICATE", errors.New("chip returned wrong challenges"))
	}

	kseed, err := xorBytes(kIFD, dec[16:32])
	if err != nil {
		return nil, bacErr("key derivation", err)
	}
	ksEnc, ksMac := SessionKeys(kseed)
	ssc := concat(rndIC[4:8], rndIFD[4:8])

	slog.Debug("BAC established", "ssc", hexU(ssc))
	return NewSession(ksEnc, ksMac, ssc)
}
