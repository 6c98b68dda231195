package mrtd

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"

	"github.com/barnettlynn/mrtdtools/pkg/tlv"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return b
}

// icaoSession returns the session established by the ICAO 9303 part 11
// worked BAC example.
func icaoSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(
		mustHex(t, "969ec03b1cbfe9ddd11ab1fed206ebe4"),
		mustHex(t, "f0ca1e1eb5adf208816b88dd579cc1f8"),
		mustHex(t, "887022120c06c226"))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestProtectCommandWorkedExample(t *testing.T) {
	s := icaoSession(t)

	raw, err := s.Wrap(apdu.Capdu{Cla: 0x00, Ins: 0xA4, P1: 0x02, P2: 0x0C, Data: []byte{0x01, 0x1E}})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	want := mustHex(t, "0ca4020c158709016375432908c044f68e08bf8b92d635ff24f800")
	if !bytes.Equal(raw, want) {
		t.Fatalf("expected SELECT %X, got %X", want, raw)
	}
	if got := s.SSC(); !bytes.Equal(got, mustHex(t, "887022120c06c227")) {
		t.Fatalf("expected SSC ...227, got %X", got)
	}

	data, err := s.Unwrap(mustHex(t, "990290008e08fa855a5d4c50a8ed"), false)
	if err != nil {
		t.Fatalf("Unwrap SELECT: %v", err)
	}
	if data != nil {
		t.Fatalf("expected no data, got %X", data)
	}

	raw, err = s.Wrap(apdu.Capdu{Cla: 0x00, Ins: 0xB0, Ne: 4})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	want = mustHex(t, "0cb000000d9701048e08ed6705417e96ba5500")
	if !bytes.Equal(raw, want) {
		t.Fatalf("expected READ BINARY %X, got %X", want, raw)
	}

	data, err = s.Unwrap(mustHex(t, "8709019ff0ec34f9922651990290008e08ad55cc17140b2ded"), false)
	if err != nil {
		t.Fatalf("Unwrap READ BINARY: %v", err)
	}
	if !bytes.Equal(data, mustHex(t, "60145f01")) {
		t.Fatalf("expected 60145F01, got %X", data)
	}
	if got := s.SSC(); !bytes.Equal(got, mustHex(t, "887022120c06c22a")) {
		t.Fatalf("expected SSC ...22A, got %X", got)
	}
}

func TestUnwrapRejectsTamperedResponse(t *testing.T) {
	resp := mustHex(t, "8709019ff0ec34f9922651990290008e08ad55cc17140b2ded")
	for i := range resp {
		s := icaoSession(t)
		for j := 0; j < 3; j++ {
			incrementCounter(s.ssc[:])
		}
		tampered := append([]byte{}, resp...)
		tampered[i] ^= 0x01
		if _, err := s.Unwrap(tampered, false); !errors.Is(err, ErrSMIntegrity) {
			t.Fatalf("byte %d flipped: expected ErrSMIntegrity, got %v", i, err)
		}
	}
}

func TestUnwrapRequiresMAC(t *testing.T) {
	s := icaoSession(t)
	if _, err := s.Unwrap(mustHex(t, "99029000"), false); !errors.Is(err, ErrSMIntegrity) {
		t.Fatalf("expected ErrSMIntegrity without DO8E, got %v", err)
	}
	s = icaoSession(t)
	if _, err := s.Unwrap(mustHex(t, "5301008e080000000000000000"), false); !errors.Is(err, ErrSMIntegrity) {
		t.Fatalf("expected ErrSMIntegrity for unknown DO, got %v", err)
	}
	s = icaoSession(t)
	if _, err := s.Unwrap(mustHex(t, "87830000018e080000000000000000"), false); !errors.Is(err, ErrSMIntegrity) {
		t.Fatalf("expected ErrSMIntegrity for three-byte DO length, got %v", err)
	}
}

// sessionPair returns a chip and a terminal session with equal keys and
// counters, plus the encryption key.
func sessionPair(t *testing.T) (chip, terminal *Session, kenc []byte) {
	t.Helper()
	kenc = mustHex(t, "00112233445566778899aabbccddeeff")
	kmac := mustHex(t, "ffeeddccbbaa99887766554433221100")
	var err error
	if chip, err = NewSession(kenc, kmac, make([]byte, 8)); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if terminal, err = NewSession(kenc, kmac, make([]byte, 8)); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return chip, terminal, kenc
}

func encryptedDO(t *testing.T, kenc []byte, plain string) []byte {
	t.Helper()
	enc, err := DES3Encrypt(kenc, ISOPad([]byte(plain)))
	if err != nil {
		t.Fatalf("DES3Encrypt: %v", err)
	}
	return tlv.Wrap(doEncData, append([]byte{paddingPresent}, enc...))
}

func TestUnwrapResponseStructure(t *testing.T) {
	// A DO87 carrying "ABCD" is 87 09 01 <8>, DO99 is 99 02 90 00.
	tests := []struct {
		name    string
		data    []byte
		mangle  func(t *testing.T, resp, kenc []byte) []byte
		wantErr bool
	}{
		{
			name: "status only",
			mangle: func(t *testing.T, resp, kenc []byte) []byte {
				return resp
			},
		},
		{
			name: "data object after DO8E",
			mangle: func(t *testing.T, resp, kenc []byte) []byte {
				return append(resp, encryptedDO(t, kenc, "INJECTED")...)
			},
			wantErr: true,
		},
		{
			name: "status word after DO8E",
			data: []byte("ABCD"),
			mangle: func(t *testing.T, resp, kenc []byte) []byte {
				return append(resp, 0x99, 0x02, 0x62, 0x82)
			},
			wantErr: true,
		},
		{
			name: "duplicate DO87",
			data: []byte("ABCD"),
			mangle: func(t *testing.T, resp, kenc []byte) []byte {
				return concat(resp[:11], resp)
			},
			wantErr: true,
		},
		{
			name: "DO87 without DO8E",
			data: []byte("ABCD"),
			mangle: func(t *testing.T, resp, kenc []byte) []byte {
				return resp[:len(resp)-10]
			},
			wantErr: true,
		},
		{
			name: "DO87 after DO99",
			data: []byte("ABCD"),
			mangle: func(t *testing.T, resp, kenc []byte) []byte {
				return concat(resp[11:15], resp[:11], resp[15:])
			},
			wantErr: true,
		},
		{
			name: "duplicate DO99",
			mangle: func(t *testing.T, resp, kenc []byte) []byte {
				return concat(resp[:4], resp)
			},
			wantErr: true,
		},
		{
			name: "padding indicator not 01",
			data: []byte("ABCD"),
			mangle: func(t *testing.T, resp, kenc []byte) []byte {
				resp[2] = 0x02
				return resp
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chip, terminal, kenc := sessionPair(t)
			resp, err := chip.ProtectResponse(tt.data, SWSuccess, false)
			if err != nil {
				t.Fatalf("ProtectResponse: %v", err)
			}
			got, err := terminal.Unwrap(tt.mangle(t, resp, kenc), false)
			if tt.wantErr {
				if !errors.Is(err, ErrSMIntegrity) {
					t.Fatalf("expected ErrSMIntegrity, got %v (data %q)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Fatalf("expected %X, got %X", tt.data, got)
			}
		})
	}
}

func TestUnwrapOddRejectsBadTLV(t *testing.T) {
	chip, terminal, _ := sessionPair(t)
	resp, err := chip.ProtectResponse([]byte{0x53, 0x05, 0xAA}, SWSuccess, true)
	if err != nil {
		t.Fatalf("ProtectResponse: %v", err)
	}
	if _, err := terminal.Unwrap(resp, true); !errors.Is(err, ErrSMIntegrity) {
		t.Fatalf("expected ErrSMIntegrity, got %v", err)
	}
}

func TestOpenCommandStructure(t *testing.T) {
	tests := []struct {
		name    string
		mangle  func(t *testing.T, body, kenc []byte) []byte
		wantErr bool
	}{
		{
			name: "unchanged",
			mangle: func(t *testing.T, body, kenc []byte) []byte {
				return body
			},
		},
		{
			name: "data object after DO8E",
			mangle: func(t *testing.T, body, kenc []byte) []byte {
				return append(body, encryptedDO(t, kenc, "INJECTED")...)
			},
			wantErr: true,
		},
		{
			name: "duplicate DO87",
			mangle: func(t *testing.T, body, kenc []byte) []byte {
				return concat(body[:11], body)
			},
			wantErr: true,
		},
		{
			name: "DO85 next to DO87",
			mangle: func(t *testing.T, body, kenc []byte) []byte {
				odd := append([]byte{doOddData, 0x08}, body[3:11]...)
				return concat(odd, body)
			},
			wantErr: true,
		},
		{
			name: "DO8E missing",
			mangle: func(t *testing.T, body, kenc []byte) []byte {
				return body[:len(body)-10]
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chip, terminal, kenc := sessionPair(t)
			raw, err := terminal.Wrap(apdu.Capdu{Ins: 0xD6, Data: []byte("ABCD")})
			if err != nil {
				t.Fatalf("Wrap: %v", err)
			}
			c, err := ParseCommand(raw)
			if err != nil {
				t.Fatalf("ParseCommand: %v", err)
			}
			c.Data = tt.mangle(t, c.Data, kenc)
			if raw, err = EncodeCommand(c); err != nil {
				t.Fatalf("EncodeCommand: %v", err)
			}
			plain, err := chip.OpenCommand(raw)
			if tt.wantErr {
				if !errors.Is(err, ErrSMIntegrity) {
					t.Fatalf("expected ErrSMIntegrity, got %v (data %q)", err, plain.Data)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if string(plain.Data) != "ABCD" {
				t.Fatalf("expected ABCD, got %q", plain.Data)
			}
		})
	}
}

func TestCounterIncrementsAndWraps(t *testing.T) {
	kenc := bytes.Repeat([]byte{0x11}, 16)
	kmac := bytes.Repeat([]byte{0x22}, 16)
	s, err := NewSession(kenc, kmac, mustHex(t, "fffffffffffffffe"))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := s.Wrap(apdu.Capdu{Ins: 0xB0, Ne: 1}); err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if got := s.SSC(); !bytes.Equal(got, mustHex(t, "ffffffffffffffff")) {
		t.Fatalf("expected SSC FF..FF, got %X", got)
	}
	if _, err := s.Wrap(apdu.Capdu{Ins: 0xB0, Ne: 1}); err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if got := s.SSC(); !bytes.Equal(got, make([]byte, 8)) {
		t.Fatalf("expected SSC to wrap to zero, got %X", got)
	}
}

func TestProtectCommandLongForm(t *testing.T) {
	s := icaoSession(t)
	raw, err := s.WrapExtended(apdu.Capdu{Ins: 0x2A, P1: 0x00, P2: 0xBE, Data: []byte{0x01}})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	// 87 09 01 <8> 8E 08 <8> = 21 bytes
	if raw[4] != 0x00 || raw[5] != 0x00 || raw[6] != 0x15 {
		t.Fatalf("expected extended Lc 00 00 15, got %X", raw[4:7])
	}
	if len(raw) != 7+21+2 || !bytes.Equal(raw[len(raw)-2:], []byte{0, 0}) {
		t.Fatalf("expected extended Le 00 00, got %X", raw)
	}

	big := make([]byte, 300)
	raw, err = s.Wrap(apdu.Capdu{Ins: 0xD6, Data: big})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if raw[4] != 0x00 {
		t.Fatalf("expected body over 255 bytes to switch to extended form, got Lc %02X", raw[4])
	}
}

func TestSessionRoundTripOddInstruction(t *testing.T) {
	kenc := mustHex(t, "00112233445566778899aabbccddeeff")
	kmac := mustHex(t, "ffeeddccbbaa99887766554433221100")
	ssc := make([]byte, 8)
	terminal, _ := NewSession(kenc, kmac, ssc)
	chip, _ := NewSession(kenc, kmac, ssc)

	card := &secureEcho{chip: chip, payload: []byte{0x53, 0x03, 0xAA, 0xBB, 0xCC}}
	out, err := terminal.Transmit(card, apdu.Capdu{Ins: 0xB1, Data: []byte{0x54, 0x01, 0x00}, Ne: 256}, true)
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if !bytes.Equal(out, []byte{0xAA, 0xBB, 0xCC}) {
		t.Fatalf("expected TLV value AABBCC, got %X", out)
	}
	if !bytes.Equal(terminal.SSC(), chip.SSC()) {
		t.Fatalf("expected counters in step, got %X and %X", terminal.SSC(), chip.SSC())
	}
}

// secureEcho opens every protected command and answers with a fixed payload.
type secureEcho struct {
	chip    *Session
	payload []byte
}

func (c *secureEcho) Transmit(raw []byte) ([]byte, error) {
	if _, err := c.chip.OpenCommand(raw); err != nil {
		return []byte{0x69, 0x88}, nil
	}
	resp, err := c.chip.ProtectResponse(c.payload, SWSuccess, true)
	if err != nil {
		return nil, err
	}
	return append(resp, 0x90, 0x00), nil
}
