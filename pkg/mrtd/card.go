package mrtd

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// LDSAID is the ICAO eMRTD application identifier.
var LDSAID = []byte{0xA0, 0x00, 0x00, 0x02, 0x47, 0x10, 0x01}

const maxExtendedData = 65535

// Card abstracts card transmit behavior for real PC/SC cards and test doubles.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
}

// Transmit sends an APDU to the card and extracts the status word.
// Returns (response_data, status_word, error).
// The response data does NOT include the trailing SW bytes.
func Transmit(card Card, apdu []byte) ([]byte, uint16, error) {
	resp, err := card.Transmit(apdu)
	if err != nil {
		return nil, 0, err
	}
	if len(resp) < 2 {
		return nil, 0, fmt.Errorf("short response: %d bytes", len(resp))
	}
	sw := uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1])
	return resp[:len(resp)-2], sw, nil
}

// EncodeCommand serializes a command APDU. The short form is used while the
// data fits in 255 bytes and Ne in 256; otherwise the extended form.
// Ne=256 is encoded as Le=00 and Ne=65536 as Le=0000.
func EncodeCommand(c apdu.Capdu) ([]byte, error) {
	if len(c.Data) > maxExtendedData {
		return nil, errors.Errorf("command data too long: %d bytes", len(c.Data))
	}
	if c.Ne < 0 || c.Ne > maxExtendedData+1 {
		return nil, errors.Errorf("invalid Ne %d", c.Ne)
	}
	out := []byte{c.Cla, c.Ins, c.P1, c.P2}
	if len(c.Data) <= apdu.MaxLenCommandDataStandard && c.Ne <= apdu.MaxLenResponseDataStandard {
		if len(c.Data) > 0 {
			out = append(out, byte(len(c.Data)))
			out = append(out, c.Data...)
		}
		if c.Ne > 0 {
			out = append(out, byte(c.Ne))
		}
		return out, nil
	}
	out = append(out, 0x00)
	if len(c.Data) > 0 {
		out = append(out, byte(len(c.Data)>>8), byte(len(c.Data)))
		out = append(out, c.Data...)
	}
	if c.Ne > 0 {
		out = append(out, byte(c.Ne>>8), byte(c.Ne))
	}
	return out, nil
}

// ParseCommand decodes a short or extended command APDU. It is the inverse of
// EncodeCommand and is used by card-side code.
func ParseCommand(b []byte) (apdu.Capdu, error) {
	if len(b) < 4 {
		return apdu.Capdu{}, errors.Errorf("command too short: %d bytes", len(b))
	}
	c := apdu.Capdu{Cla: b[0], Ins: b[1], P1: b[2], P2: b[3]}
	body := b[4:]
	switch {
	case len(body) == 0:
	case len(body) == 1:
		c.Ne = int(body[0])
		if c.Ne == 0 {
			c.Ne = 256
		}
	case body[0] != 0:
		lc := int(body[0])
		if len(body) < 1+lc {
			return apdu.Capdu{}, errors.Errorf("Lc %d exceeds body %d", lc, len(body)-1)
		}
		c.Data = append([]byte{}, body[1:1+lc]...)
		switch rest := body[1+lc:]; len(rest) {
		case 0:
		case 1:
			c.Ne = int(rest[0])
			if c.Ne == 0 {
				c.Ne = 256
			}
		default:
			return apdu.Capdu{}, errors.Errorf("trailing %d bytes after data", len(rest))
		}
	default:
		if len(body) == 3 {
			c.Ne = int(body[1])<<8 | int(body[2])
			if c.Ne == 0 {
				c.Ne = 65536
			}
			return c, nil
		}
		if len(body) < 3 {
			return apdu.Capdu{}, errors.New("truncated extended length")
		}
		lc := int(body[1])<<8 | int(body[2])
		if len(body) < 3+lc {
			return apdu.Capdu{}, errors.Errorf("extended Lc %d exceeds body %d", lc, len(body)-3)
		}
		c.Data = append([]byte{}, body[3:3+lc]...)
		switch rest := body[3+lc:]; len(rest) {
		case 0:
		case 2:
			c.Ne = int(rest[0])<<8 | int(rest[1])
			if c.Ne == 0 {
				c.Ne = 65536
			}
		default:
			return apdu.Capdu{}, errors.Errorf("bad extended Le of %d bytes", len(rest))
		}
	}
	return c, nil
}

// TransmitCommand encodes and sends a plain (unprotected) command.
func TransmitCommand(card Card, c apdu.Capdu) (apdu.Rapdu, error) {
	raw, err := EncodeCommand(c)
	if err != nil {
		return apdu.Rapdu{}, err
	}
	data, sw, err := Transmit(card, raw)
	if err != nil {
		return apdu.Rapdu{}, err
	}
	slog.Debug("apdu",
		"cmd", hexU(raw),
		"resp", hexU(data),
		"sw", fmt.Sprintf("%04X", sw))
	return apdu.Rapdu{Data: data, SW1: byte(sw >> 8), SW2: byte(sw)}, nil
}

// StatusWord joins SW1 and SW2.
func StatusWord(r apdu.Rapdu) uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// checkOK turns a non-9000 response into an *SWError.
func checkOK(ins byte, r apdu.Rapdu) error {
	if sw := StatusWord(r); sw != SWSuccess {
		return &SWError{Cmd: ins, SW: sw}
	}
	return nil
}

// SelectLDS selects the eMRTD application in plain mode.
func SelectLDS(card Card) error {
	r, err := TransmitCommand(card, apdu.Capdu{Cla: 0x00, Ins: 0xA4, P1: 0x04, P2: 0x0C, Data: LDSAID})
	if err != nil {
		return err
	}
	return checkOK(0xA4, r)
}

// ReadBinary reads data from the currently selected file using ISO 7816
// READ BINARY (INS 0xB0) without secure messaging.
// Retries once with the correct Le if the card answers SW=6Cxx.
func ReadBinary(card Card, offset int, le int) ([]byte, error) {
	c := apdu.Capdu{Cla: 0x00, Ins: 0xB0, P1: byte(offset>>8) & 0x7F, P2: byte(offset), Ne: le}
	r, err := TransmitCommand(card, c)
	if err != nil {
		return nil, err
	}
	if sw := StatusWord(r); sw&0xFF00 == SWWrongLe {
		slog.Warn("wrong Le, retrying", "original_le", le, "correct_le", int(r.SW2))
		c.Ne = int(r.SW2)
		if c.Ne == 0 {
			c.Ne = 256
		}
		if r, err = TransmitCommand(card, c); err != nil {
			return nil, err
		}
	}
	if err := checkOK(0xB0, r); err != nil {
		return nil, err
	}
	return r.Data, nil
}

func hexU(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
