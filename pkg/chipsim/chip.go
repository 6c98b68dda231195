package chipsim

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/subtle"
	"io"
	"log/slog"

	"github.com/skythen/apdu"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
	"github.com/barnettlynn/mrtdtools/pkg/tlv"
)

const cardAccessFID = 0x011C

type paceState struct {
	step     int
	oid      []byte
	password []byte
	nonce    []byte
	mapped   mrtd.DHParams
	key1     *mrtd.DHKey
	key2     *mrtd.DHKey
	termPub2 []byte
	kenc     []byte
	kmac     []byte
}

type taState struct {
	certs     map[string]*mrtd.CVCert
	verifier  *mrtd.CVCert
	is        *mrtd.CVCert
	challenge []byte
	done      bool
}

// Chip answers APDUs for one Document. It implements mrtd.Card and is not
// safe for concurrent use.
type Chip struct {
	doc  *Document
	rand io.Reader

	selected []byte // plain EF selected by file identifier
	rndIC    []byte

	pace    paceState
	sess    *mrtd.Session
	next    *mrtd.Session // installed after the current response
	chipPub []byte        // PACE ephemeral key, for dynamic binding
	caPub   []byte        // terminal key from Chip Authentication
	ta      taState
}

// New returns a chip for doc. rand supplies challenges, nonces and
// ephemeral keys; nil means crypto/rand.
func New(doc *Document, rnd io.Reader) *Chip {
	if rnd == nil {
		rnd = rand.Reader
	}
	c := &Chip{doc: doc, rand: rnd}
	c.reset()
	return c
}

// Authenticated reports whether Terminal Authentication succeeded.
func (c *Chip) Authenticated() bool { return c.ta.done }

func (c *Chip) reset() {
	c.sess, c.next = nil, nil
	c.pace = paceState{}
	c.chipPub, c.caPub = nil, nil
	c.ta = taState{certs: map[string]*mrtd.CVCert{c.doc.CVCA.Name: c.doc.CVCA}}
}

func status(sw uint16) []byte {
	return []byte{byte(sw >> 8), byte(sw)}
}

// Transmit implements mrtd.Card.
func (c *Chip) Transmit(raw []byte) ([]byte, error) {
	cmd, err := mrtd.ParseCommand(raw)
	if err != nil {
		return status(mrtd.SWWrongLength), nil
	}
	if cmd.Cla&0x0C == 0x0C {
		return c.secure(raw), nil
	}
	data, sw := c.plain(cmd)
	return append(data, status(sw)...), nil
}

func (c *Chip) secure(raw []byte) []byte {
	if c.sess == nil {
		return status(mrtd.SWSMObjectsMissing)
	}
	cmd, err := c.sess.OpenCommand(raw)
	if err != nil {
		slog.Debug("chip rejected secure messaging", "error", err)
		c.reset()
		return status(mrtd.SWSMObjectsIncorrect)
	}
	data, sw := c.handleSecure(cmd)
	if sw != mrtd.SWSuccess {
		c.next = nil
		return status(sw)
	}
	resp, err := c.sess.ProtectResponse(data, sw, cmd.Ins&1 == 1)
	if err != nil {
		c.reset()
		return status(mrtd.SWConditionsNotMet)
	}
	if c.next != nil {
		c.sess, c.next = c.next, nil
	}
	return append(resp, status(sw)...)
}

func (c *Chip) plain(cmd apdu.Capdu) ([]byte, uint16) {
	switch cmd.Ins {
	case 0xA4:
		return c.selectFile(cmd, false)
	case 0xB0:
		if c.selected == nil || cmd.P1&0x80 != 0 {
			return nil, mrtd.SWSecurityNotSatisfied
		}
		return readAt(c.selected, int(cmd.P1)<<8|int(cmd.P2), cmd.Ne)
	case 0x84:
		c.rndIC = make([]byte, 8)
		if _, err := io.ReadFull(c.rand, c.rndIC); err != nil {
			return nil, mrtd.SWConditionsNotMet
		}
		return append([]byte{}, c.rndIC...), mrtd.SWSuccess
	case 0x82:
		return c.mutualAuthenticate(cmd)
	case 0x22:
		if cmd.P1 == 0xC1 && cmd.P2 == 0xA4 {
			return c.paceSetAT(cmd)
		}
	case 0x86:
		return c.generalAuthenticate(cmd)
	}
	return nil, mrtd.SWInsNotSupported
}

func (c *Chip) handleSecure(cmd apdu.Capdu) ([]byte, uint16) {
	switch cmd.Ins {
	case 0xA4:
		return c.selectFile(cmd, true)
	case 0xB0:
		return c.readBinary(cmd)
	case 0x22:
		switch {
		case cmd.P1 == 0x41 && cmd.P2 == 0xA6:
			return c.chipAuthenticate(cmd)
		case cmd.P1 == 0x81 && cmd.P2 == 0xB6:
			return c.setDST(cmd)
		case cmd.P1 == 0x81 && cmd.P2 == 0xA4:
			return c.setAT(cmd)
		}
		return nil, mrtd.SWWrongP1P2
	case 0x2A:
		if cmd.P1 == 0x00 && cmd.P2 == 0xBE {
			return c.verifyCertificate(cmd)
		}
		return nil, mrtd.SWWrongP1P2
	case 0x84:
		c.ta.challenge = make([]byte, 8)
		if _, err := io.ReadFull(c.rand, c.ta.challenge); err != nil {
			return nil, mrtd.SWConditionsNotMet
		}
		return append([]byte{}, c.ta.challenge...), mrtd.SWSuccess
	case 0x82:
		return c.externalAuthenticate(cmd)
	}
	return nil, mrtd.SWInsNotSupported
}

func (c *Chip) selectFile(cmd apdu.Capdu, secure bool) ([]byte, uint16) {
	switch {
	case cmd.P1 == 0x04 && bytes.Equal(cmd.Data, mrtd.LDSAID):
		c.selected = nil
		if !secure {
			c.reset()
		}
		return nil, mrtd.SWSuccess
	case cmd.P1 == 0x02 && len(cmd.Data) == 2 && int(cmd.Data[0])<<8|int(cmd.Data[1]) == cardAccessFID:
		if c.doc.CardAccess == nil {
			c.selected = nil
			return nil, mrtd.SWFileNotFound
		}
		c.selected = c.doc.CardAccess
		return nil, mrtd.SWSuccess
	}
	return nil, mrtd.SWFileNotFound
}

func readAt(file []byte, off, ne int) ([]byte, uint16) {
	if off > len(file) {
		return nil, mrtd.SWWrongOffset
	}
	end := off + ne
	if ne == 0 || end > len(file) {
		end = len(file)
	}
	return append([]byte{}, file[off:end]...), mrtd.SWSuccess
}

func (c *Chip) readBinary(cmd apdu.Capdu) ([]byte, uint16) {
	off := int(cmd.P1&0x7F)<<8 | int(cmd.P2)
	if cmd.P1&0x80 != 0 {
		dg := mrtd.DG(cmd.P1 & 0x1F)
		if dg == mrtd.DG3 && !c.ta.done {
			return nil, mrtd.SWSecurityNotSatisfied
		}
		file, ok := c.doc.Files.Get(dg)
		if !ok {
			return nil, mrtd.SWFileNotFound
		}
		c.selected = file
		off = int(cmd.P2)
	}
	if c.selected == nil {
		return nil, mrtd.SWConditionsNotMet
	}
	return readAt(c.selected, off, cmd.Ne)
}

func (c *Chip) mutualAuthenticate(cmd apdu.Capdu) ([]byte, uint16) {
	if c.rndIC == nil || len(cmd.Data) != 40 {
		return nil, mrtd.SWConditionsNotMet
	}
	rndIC := c.rndIC
	c.rndIC = nil
	seed, err := c.doc.MRZ.KeySeed()
	if err != nil {
		return nil, mrtd.SWConditionsNotMet
	}
	kenc, kmac := mrtd.SessionKeys(seed)
	mac, err := mrtd.RetailMAC(kmac, mrtd.ISOPad(cmd.Data[:32]))
	if err != nil || subtle.ConstantTimeCompare(mac, cmd.Data[32:]) != 1 {
		return nil, mrtd.SWVerificationFailed
	}
	dec, err := mrtd.DES3Decrypt(kenc, cmd.Data[:32])
	if err != nil || !bytes.Equal(dec[8:16], rndIC) {
		return nil, mrtd.SWVerificationFailed
	}
	rndIFD, kIFD := dec[:8], dec[16:32]

	kIC := make([]byte, 16)
	if _, err := io.ReadFull(c.rand, kIC); err != nil {
		return nil, mrtd.SWConditionsNotMet
	}
	enc, err := mrtd.DES3Encrypt(kenc, concat(rndIC, rndIFD, kIC))
	if err != nil {
		return nil, mrtd.SWConditionsNotMet
	}
	encMAC, err := mrtd.RetailMAC(kmac, mrtd.ISOPad(enc))
	if err != nil {
		return nil, mrtd.SWConditionsNotMet
	}

	kseed := make([]byte, 16)
	for i := range kseed {
		kseed[i] = kIFD[i] ^ kIC[i]
	}
	ksEnc, ksMac := mrtd.SessionKeys(kseed)
	if c.sess, err = mrtd.NewSession(ksEnc, ksMac, concat(rndIC[4:], rndIFD[4:])); err != nil {
		return nil, mrtd.SWConditionsNotMet
	}
	return concat(enc, encMAC), mrtd.SWSuccess
}

func (c *Chip) paceSetAT(cmd apdu.Capdu) ([]byte, uint16) {
	c.reset()
	objs, err := tlv.ParseAll(cmd.Data, false)
	if err != nil {
		return nil, mrtd.SWWrongData
	}
	for _, o := range objs {
		switch o.TagRaw() {
		case 0x80:
			c.pace.oid = o.Content
		case 0x83:
			if len(o.Content) != 1 {
				return nil, mrtd.SWWrongData
			}
			switch o.Content[0] {
			case mrtd.PasswordMRZ:
				c.pace.password, err = c.doc.MRZ.Password()
			case mrtd.PasswordCAN:
				c.pace.password, err = mrtd.CANPassword(c.doc.CAN)
			default:
				return nil, mrtd.SWReferenceNotFound
			}
			if err != nil {
				return nil, mrtd.SWConditionsNotMet
			}
		}
	}
	if !bytes.Equal(c.pace.oid, mrtd.OIDPACEDHGM3DES) || c.pace.password == nil {
		return nil, mrtd.SWReferenceNotFound
	}
	c.pace.step = 1
	return nil, mrtd.SWSuccess
}

func gaResponse(tag uint64, value []byte) []byte {
	return tlv.Wrap(0x7C, tlv.Wrap(tag, value))
}

func (c *Chip) generalAuthenticate(cmd apdu.Capdu) ([]byte, uint16) {
	in, err := tlv.Parse(cmd.Data, false)
	if err != nil || in.CheckTag(0x7C) != nil {
		return nil, mrtd.SWWrongData
	}
	p := &c.pace
	params := mrtd.StandardDHParams2
	switch {
	case p.step == 1 && len(in.Children) == 0:
		p.nonce = make([]byte, 16)
		if _, err := io.ReadFull(c.rand, p.nonce); err != nil {
			return nil, mrtd.SWConditionsNotMet
		}
		enc, err := mrtd.DES3Encrypt(mrtd.PasswordKey(p.password), p.nonce)
		if err != nil {
			return nil, mrtd.SWConditionsNotMet
		}
		p.step = 2
		return gaResponse(0x80, enc), mrtd.SWSuccess

	case p.step == 2 && in.ChildByTag(0x81) != nil:
		if p.key1, err = mrtd.GenerateDHKey(params, c.rand); err != nil {
			return nil, mrtd.SWConditionsNotMet
		}
		h, err := mrtd.DHShared(params, p.key1.Private, in.ChildByTag(0x81).Content)
		if err != nil {
			return nil, mrtd.SWWrongData
		}
		p.mapped = mrtd.GenericMap(params, h, p.nonce)
		p.step = 3
		return gaResponse(0x82, p.key1.Public), mrtd.SWSuccess

	case p.step == 3 && in.ChildByTag(0x83) != nil:
		if p.key2, err = mrtd.GenerateDHKey(p.mapped, c.rand); err != nil {
			return nil, mrtd.SWConditionsNotMet
		}
		p.termPub2 = in.ChildByTag(0x83).Content
		if bytes.Equal(p.termPub2, p.key2.Public) {
			return nil, mrtd.SWWrongData
		}
		k, err := mrtd.DHShared(p.mapped, p.key2.Private, p.termPub2)
		if err != nil {
			return nil, mrtd.SWWrongData
		}
		p.kenc, p.kmac = mrtd.SessionKeys(k)
		p.step = 4
		return gaResponse(0x84, p.key2.Public), mrtd.SWSuccess

	case p.step == 4 && in.ChildByTag(0x85) != nil:
		want, err := mrtd.AuthenticationToken(p.kmac, p.oid, p.key2.Public)
		if err != nil {
			return nil, mrtd.SWConditionsNotMet
		}
		if subtle.ConstantTimeCompare(want, in.ChildByTag(0x85).Content) != 1 {
			c.pace = paceState{}
			return nil, mrtd.SWVerificationFailed
		}
		token, err := mrtd.AuthenticationToken(p.kmac, p.oid, p.termPub2)
		if err != nil {
			return nil, mrtd.SWConditionsNotMet
		}
		if c.sess, err = mrtd.NewSession(p.kenc, p.kmac, make([]byte, 8)); err != nil {
			return nil, mrtd.SWConditionsNotMet
		}
		c.chipPub = p.key2.Public
		c.pace = paceState{}
		return gaResponse(0x86, token), mrtd.SWSuccess
	}
	return nil, mrtd.SWConditionsNotMet
}

func (c *Chip) chipAuthenticate(cmd apdu.Capdu) ([]byte, uint16) {
	objs, err := tlv.ParseAll(cmd.Data, false)
	if err != nil {
		return nil, mrtd.SWWrongData
	}
	var pub []byte
	for _, o := range objs {
		if o.TagRaw() == 0x91 {
			pub = o.Content
		}
	}
	if pub == nil {
		return nil, mrtd.SWWrongData
	}
	secret, err := mrtd.DHShared(c.doc.ChipParams, c.doc.ChipKey.Private, pub)
	if err != nil {
		return nil, mrtd.SWWrongData
	}
	kenc, kmac := mrtd.SessionKeys(secret)
	if c.next, err = mrtd.NewSession(kenc, kmac, make([]byte, 8)); err != nil {
		return nil, mrtd.SWConditionsNotMet
	}
	c.caPub = append([]byte{}, pub...)
	return nil, mrtd.SWSuccess
}

func holderReference(data []byte) (string, bool) {
	n, err := tlv.Parse(data, false)
	if err != nil || n.TagRaw() != 0x83 {
		return "", false
	}
	return string(n.Content), true
}

func (c *Chip) setDST(cmd apdu.Capdu) ([]byte, uint16) {
	name, ok := holderReference(cmd.Data)
	if !ok {
		return nil, mrtd.SWWrongData
	}
	cert, ok := c.ta.certs[name]
	if !ok {
		return nil, mrtd.SWReferenceNotFound
	}
	c.ta.verifier = cert
	return nil, mrtd.SWSuccess
}

func (c *Chip) verifyCertificate(cmd apdu.Capdu) ([]byte, uint16) {
	if c.ta.verifier == nil {
		return nil, mrtd.SWConditionsNotMet
	}
	cert, err := mrtd.ParseCVCert(tlv.Wrap(0x7F21, cmd.Data))
	if err != nil {
		return nil, mrtd.SWWrongData
	}
	if cert.Issuer != c.ta.verifier.Name || !cert.IssuedBy(c.ta.verifier) {
		return nil, mrtd.SWVerificationFailed
	}
	c.ta.certs[cert.Name] = cert
	return nil, mrtd.SWSuccess
}

func (c *Chip) setAT(cmd apdu.Capdu) ([]byte, uint16) {
	name, ok := holderReference(cmd.Data)
	if !ok {
		return nil, mrtd.SWWrongData
	}
	cert, ok := c.ta.certs[name]
	if !ok || cert == c.doc.CVCA {
		return nil, mrtd.SWReferenceNotFound
	}
	c.ta.is = cert
	return nil, mrtd.SWSuccess
}

func (c *Chip) externalAuthenticate(cmd apdu.Capdu) ([]byte, uint16) {
	challenge := c.ta.challenge
	c.ta.challenge = nil
	if c.caPub == nil || c.ta.is == nil || challenge == nil {
		return nil, mrtd.SWConditionsNotMet
	}
	block, err := mrtd.RawRSA(c.ta.is.Modulus, c.ta.is.Exponent, cmd.Data)
	if err != nil {
		return nil, mrtd.SWVerificationFailed
	}
	info, err := mrtd.RemoveBT1(block)
	if err != nil {
		return nil, mrtd.SWVerificationFailed
	}
	digest, err := mrtd.RemoveDigestInfo(info, crypto.SHA1)
	if err != nil {
		return nil, mrtd.SWVerificationFailed
	}

	bindings := [][]byte{[]byte(c.doc.MRZ.DocumentNumberWithCheck())}
	if c.chipPub != nil {
		bindings = append(bindings, mrtd.SHA1(c.chipPub))
	}
	for _, b := range bindings {
		want := mrtd.SHA1(mrtd.TerminalToBeSigned(b, challenge, c.caPub))
		if subtle.ConstantTimeCompare(want, digest) == 1 {
			c.ta.done = true
			return nil, mrtd.SWSuccess
		}
	}
	return nil, mrtd.SWVerificationFailed
}
