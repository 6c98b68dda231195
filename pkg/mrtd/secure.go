package mrtd

import (
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"

	"github.com/barnettlynn/mrtdtools/pkg/tlv"
)

// SM data object tags (ICAO 9303 part 11, 9.8)
const (
	doOddData      = 0x85
	doEncData      = 0x87
	doExpectedLen  = 0x97
	doStatusWord   = 0x99
	doChecksum     = 0x8E
	paddingPresent = 0x01
	claSM          = 0x0C
)

// Session holds the 3DES session keys and the send sequence counter of a
// secure messaging channel. A Session serves one exchange at a time and is
// not safe for concurrent use.
type Session struct {
	kenc [16]byte
	kmac [16]byte
	ssc  [8]byte
}

// NewSession creates a session from 16 byte keys and an 8 byte SSC.
func NewSession(kenc, kmac, ssc []byte) (*Session, error) {
	if len(kenc) != 16 || len(kmac) != 16 {
		return nil, errors.Errorf("session keys must be 16 bytes, got %d and %d", len(kenc), len(kmac))
	}
	if len(ssc) != 8 {
		return nil, errors.Errorf("SSC must be 8 bytes, got %d", len(ssc))
	}
	s := &Session{}
	copy(s.kenc[:], kenc)
	copy(s.kmac[:], kmac)
	copy(s.ssc[:], ssc)
	return s, nil
}

// SSC returns a copy of the current send sequence counter.
func (s *Session) SSC() []byte {
	return append([]byte{}, s.ssc[:]...)
}

// Keys returns copies of the session keys.
func (s *Session) Keys() (kenc, kmac []byte) {
	return append([]byte{}, s.kenc[:]...), append([]byte{}, s.kmac[:]...)
}

// encodeLe encodes Ne for DO97: one byte up to 256, two bytes beyond.
func encodeLe(ne int) []byte {
	if ne <= 256 {
		return []byte{byte(ne)}
	}
	return []byte{byte(ne >> 8), byte(ne)}
}

// protect increments the SSC and protects a command.
// The command data is ISO padded and encrypted into DO87 (even INS) or DO85
// (odd INS), Ne goes into DO97, and the retail MAC over
// ISOPad(ISOPad(SSC || header) || DOs) is appended as DO8E.
//
// Parameters:
//   - c: plain command; the CLA is marked for SM (0x0C)
//   - long: force the extended length form (Lc on 3 bytes, Le 00 00)
//
// Returns:
//   - raw: Complete APDU ready to transmit
//   - macInput: MAC input bytes (for debugging)
//   - err: Error if any
func (s *Session) protect(c apdu.Capdu, long bool) (raw, macInput []byte, err error) {
	if s == nil {
		return nil, nil, ErrNotAuthenticated
	}
	incrementCounter(s.ssc[:])

	header := []byte{c.Cla | claSM, c.Ins, c.P1, c.P2}
	macInput = ISOPad(append(s.SSC(), header...))

	var body []byte
	if len(c.Data) > 0 {
		enc, err := DES3Encrypt(s.kenc[:], ISOPad(c.Data))
		if err != nil {
			return nil, nil, err
		}
		var do []byte
		if c.Ins%2 == 0 {
			do = tlv.Wrap(doEncData, append([]byte{paddingPresent}, enc...))
		} else {
			do = tlv.Wrap(doOddData, enc)
		}
		body = append(body, do...)
	}
	if c.Ne > 0 {
		body = append(body, tlv.Wrap(doExpectedLen, encodeLe(c.Ne))...)
	}
	macInput = append(macInput, body...)

	mac, err := RetailMAC(s.kmac[:], ISOPad(macInput))
	if err != nil {
		return nil, nil, err
	}
	body = append(body, tlv.Wrap(doChecksum, mac)...)

	raw = append([]byte{}, header...)
	if !long && len(body) <= apdu.MaxLenCommandDataStandard {
		raw = append(raw, byte(len(body)))
		raw = append(raw, body...)
		raw = append(raw, 0x00)
		return raw, macInput, nil
	}
	if len(body) > maxExtendedData {
		return nil, nil, errors.Errorf("protected command body too long: %d bytes", len(body))
	}
	raw = append(raw, 0x00, byte(len(body)>>8), byte(len(body)))
	raw = append(raw, body...)
	raw = append(raw, 0x00, 0x00)
	return raw, macInput, nil
}

// Wrap protects a command in the short form when the protected body fits in
// 255 bytes and Ne in 256, otherwise in the extended form.
func (s *Session) Wrap(c apdu.Capdu) ([]byte, error) {
	raw, _, err := s.protect(c, c.Ne > apdu.MaxLenResponseDataStandard)
	return raw, err
}

// WrapExtended protects a command in the extended length form.
func (s *Session) WrapExtended(c apdu.Capdu) ([]byte, error) {
	raw, _, err := s.protect(c, true)
	return raw, err
}

// Unwrap increments the SSC, verifies the DO8E MAC over the response
// data objects and returns the decrypted payload. With odd set the payload is
// itself a TLV and its value is returned. A response without data objects
// 85/87 yields nil.
func (s *Session) Unwrap(resp []byte, odd bool) ([]byte, error) {
	if s == nil {
		return nil, ErrNotAuthenticated
	}
	incrementCounter(s.ssc[:])

	var encObj, statusObj, encData, mac []byte
	for off := 0; off < len(resp); {
		if mac != nil {
			return nil, errors.Wrapf(ErrSMIntegrity, "data object %02X after DO8E", resp[off])
		}
		tagLen := 1
		l, lenLen, err := readDOLength(resp, off+tagLen)
		if err != nil {
			return nil, errors.Wrap(ErrSMIntegrity, err.Error())
		}
		start := off + tagLen + lenLen
		end := start + l
		if end > len(resp) {
			return nil, errors.Wrapf(ErrSMIntegrity, "data object %02X overruns response", resp[off])
		}
		switch resp[off] {
		case doStatusWord:
			if statusObj != nil {
				return nil, errors.Wrap(ErrSMIntegrity, "duplicate DO99")
			}
			if l != 2 {
				return nil, errors.Wrapf(ErrSMIntegrity, "DO99 length %d", l)
			}
			statusObj = resp[off:end]
		case doEncData, doOddData:
			if encObj != nil {
				return nil, errors.Wrapf(ErrSMIntegrity, "duplicate data object %02X", resp[off])
			}
			if statusObj != nil {
				return nil, errors.Wrapf(ErrSMIntegrity, "data object %02X after DO99", resp[off])
			}
			encObj = resp[off:end]
			encData = resp[start:end]
			if resp[off] == doEncData {
				if l < 1 || resp[start] != paddingPresent {
					return nil, errors.Wrap(ErrSMIntegrity, "DO87 without padding indicator 01")
				}
				encData = resp[start+1 : end]
			}
		case doChecksum:
			if l != 8 {
				return nil, errors.Wrapf(ErrSMIntegrity, "DO8E length %d", l)
			}
			mac = resp[start:end]
		default:
			return nil, errors.Wrapf(ErrSMIntegrity, "unexpected data object %02X", resp[off])
		}
		off = end
	}
	if mac == nil {
		return nil, errors.Wrap(ErrSMIntegrity, "response MAC missing")
	}
	// encData lies inside encObj, so the MAC covers exactly what is decrypted.
	want, err := RetailMAC(s.kmac[:], ISOPad(concat(s.ssc[:], encObj, statusObj)))
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(want, mac) != 1 {
		return nil, errors.Wrap(ErrSMIntegrity, "response MAC mismatch")
	}
	if encData == nil {
		return nil, nil
	}
	dec, err := DES3Decrypt(s.kenc[:], encData)
	if err != nil {
		return nil, errors.Wrap(ErrSMIntegrity, err.Error())
	}
	plain, err := ISORemove(dec)
	if err != nil {
		return nil, errors.Wrap(ErrSMIntegrity, err.Error())
	}
	if odd {
		n, err := tlv.Parse(plain, false)
		if err != nil {
			return nil, errors.Wrap(ErrSMIntegrity, err.Error())
		}
		return n.Value(), nil
	}
	return plain, nil
}

func readDOLength(b []byte, off int) (int, int, error) {
	if off >= len(b) {
		return 0, 0, errors.New("truncated data object")
	}
	switch first := b[off]; {
	case first < 0x80:
		return int(first), 1, nil
	case first == 0x81 && off+1 < len(b):
		return int(b[off+1]), 2, nil
	case first == 0x82 && off+2 < len(b):
		return int(b[off+1])<<8 | int(b[off+2]), 3, nil
	}
	return 0, 0, errors.Errorf("bad data object length byte %02X", b[off])
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Transmit protects c, sends it, checks the status word and unwraps the
// response. With odd set the response plaintext is a TLV and its value is
// returned. The extended length form is used only when the command does not
// fit the short form.
func (s *Session) Transmit(card Card, c apdu.Capdu, odd bool) ([]byte, error) {
	return s.transmit(card, c, odd, c.Ne > apdu.MaxLenResponseDataStandard)
}

// TransmitExtended is Transmit with the extended length form forced.
func (s *Session) TransmitExtended(card Card, c apdu.Capdu, odd bool) ([]byte, error) {
	return s.transmit(card, c, odd, true)
}

func (s *Session) transmit(card Card, c apdu.Capdu, odd, long bool) ([]byte, error) {
	raw, macInput, err := s.protect(c, long)
	if err != nil {
		return nil, err
	}
	slog.Debug("secure messaging",
		"ins", fmt.Sprintf("0x%02X", c.Ins),
		"apdu", hexU(raw),
		"mac_input", hexU(macInput),
		"ssc", hexU(s.ssc[:]))

	resp, sw, err := Transmit(card, raw)
	if err != nil {
		return nil, err
	}
	if sw != SWSuccess {
		return nil, &SWError{Cmd: c.Ins, SW: sw}
	}
	out, err := s.Unwrap(resp, odd)
	if err != nil {
		return nil, errors.Wrapf(err, "INS 0x%02X response", c.Ins)
	}
	return out, nil
}

// OpenCommand is the card side of Wrap. It increments the SSC,
// verifies the command MAC and returns the plain command with the SM bits of
// the CLA cleared.
func (s *Session) OpenCommand(raw []byte) (apdu.Capdu, error) {
	if s == nil {
		return apdu.Capdu{}, ErrNotAuthenticated
	}
	c, err := ParseCommand(raw)
	if err != nil {
		return apdu.Capdu{}, errors.Wrap(ErrSMIntegrity, err.Error())
	}
	incrementCounter(s.ssc[:])
	header := []byte{c.Cla, c.Ins, c.P1, c.P2}
	plain := apdu.Capdu{Cla: c.Cla &^ claSM, Ins: c.Ins, P1: c.P1, P2: c.P2}

	body := c.Data
	var encData, mac []byte
	macEnd := 0
	seen := map[byte]bool{}
	for off := 0; off < len(body); {
		if mac != nil {
			return apdu.Capdu{}, errors.Wrapf(ErrSMIntegrity, "data object %02X after DO8E", body[off])
		}
		if seen[body[off]] || (encData != nil && (body[off] == doEncData || body[off] == doOddData)) {
			return apdu.Capdu{}, errors.Wrapf(ErrSMIntegrity, "duplicate data object %02X", body[off])
		}
		seen[body[off]] = true
		l, lenLen, err := readDOLength(body, off+1)
		if err != nil {
			return apdu.Capdu{}, errors.Wrap(ErrSMIntegrity, err.Error())
		}
		start := off + 1 + lenLen
		end := start + l
		if end > len(body) {
			return apdu.Capdu{}, errors.Wrapf(ErrSMIntegrity, "data object %02X overruns command", body[off])
		}
		switch body[off] {
		case doEncData:
			if l < 1 || body[start] != paddingPresent {
				return apdu.Capdu{}, errors.Wrap(ErrSMIntegrity, "bad DO87 padding indicator")
			}
			encData = body[start+1 : end]
		case doOddData:
			encData = body[start:end]
		case doExpectedLen:
			switch l {
			case 1:
				plain.Ne = int(body[start])
				if plain.Ne == 0 {
					plain.Ne = 256
				}
			case 2:
				plain.Ne = int(body[start])<<8 | int(body[start+1])
				if plain.Ne == 0 {
					plain.Ne = 65536
				}
			default:
				return apdu.Capdu{}, errors.Wrapf(ErrSMIntegrity, "DO97 length %d", l)
			}
		case doChecksum:
			if l != 8 {
				return apdu.Capdu{}, errors.Wrapf(ErrSMIntegrity, "DO8E length %d", l)
			}
			mac = body[start:end]
			macEnd = off
		default:
			return apdu.Capdu{}, errors.Wrapf(ErrSMIntegrity, "unexpected data object %02X", body[off])
		}
		off = end
	}
	if mac == nil {
		return apdu.Capdu{}, errors.Wrap(ErrSMIntegrity, "command MAC missing")
	}
	want, err := RetailMAC(s.kmac[:], ISOPad(concat(ISOPad(concat(s.ssc[:], header)), body[:macEnd])))
	if err != nil {
		return apdu.Capdu{}, err
	}
	if subtle.ConstantTimeCompare(want, mac) != 1 {
		return apdu.Capdu{}, errors.Wrap(ErrSMIntegrity, "command MAC mismatch")
	}
	if encData != nil {
		dec, err := DES3Decrypt(s.kenc[:], encData)
		if err != nil {
			return apdu.Capdu{}, errors.Wrap(ErrSMIntegrity, err.Error())
		}
		if plain.Data, err = ISORemove(dec); err != nil {
			return apdu.Capdu{}, errors.Wrap(ErrSMIntegrity, err.Error())
		}
	}
	return plain, nil
}

// ProtectResponse is the card side of Unwrap. It increments the SSC
// and returns DO87 or DO85 (odd), DO99 and DO8E. The status word itself is
// not appended.
func (s *Session) ProtectResponse(data []byte, sw uint16, odd bool) ([]byte, error) {
	if s == nil {
		return nil, ErrNotAuthenticated
	}
	incrementCounter(s.ssc[:])
	var encObj []byte
	if len(data) > 0 {
		enc, err := DES3Encrypt(s.kenc[:], ISOPad(data))
		if err != nil {
			return nil, err
		}
		if odd {
			encObj = tlv.Wrap(doOddData, enc)
		} else {
			encObj = tlv.Wrap(doEncData, append([]byte{paddingPresent}, enc...))
		}
	}
	statusObj := tlv.Wrap(doStatusWord, []byte{byte(sw >> 8), byte(sw)})
	mac, err := RetailMAC(s.kmac[:], ISOPad(concat(s.ssc[:], encObj, statusObj)))
	if err != nil {
		return nil, err
	}
	return concat(encObj, statusObj, tlv.Wrap(doChecksum, mac)), nil
}
