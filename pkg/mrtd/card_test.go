package mrtd

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/skythen/apdu"
)

type scriptStep struct {
	expect []byte // nil accepts any command
	resp   []byte // includes SW
}

// scriptedCard replays a fixed APDU exchange.
type scriptedCard struct {
	t     *testing.T
	steps []scriptStep
	pos   int
}

func (c *scriptedCard) Transmit(cmd []byte) ([]byte, error) {
	c.t.Helper()
	if c.pos >= len(c.steps) {
		return nil, fmt.Errorf("unexpected command %X after script end", cmd)
	}
	step := c.steps[c.pos]
	c.pos++
	if step.expect != nil && !bytes.Equal(step.expect, cmd) {
		c.t.Fatalf("step %d: expected command %X, got %X", c.pos, step.expect, cmd)
	}
	return step.resp, nil
}

func (c *scriptedCard) done() {
	c.t.Helper()
	if c.pos != len(c.steps) {
		c.t.Fatalf("expected %d commands, got %d", len(c.steps), c.pos)
	}
}

func TestEncodeCommandForms(t *testing.T) {
	cases := []struct {
		c    apdu.Capdu
		want string
	}{
		{apdu.Capdu{Ins: 0x84, Ne: 8}, "0084000008"},
		{apdu.Capdu{Ins: 0xB0, Ne: 256}, "00b0000000"},
		{apdu.Capdu{Ins: 0xA4, P1: 0x04, P2: 0x0C, Data: []byte{0xA0, 0x00}}, "00a4040c02a000"},
		{apdu.Capdu{Ins: 0xB0, Ne: 257}, "00b00000000101"},
		{apdu.Capdu{Ins: 0xB0, Ne: 65536}, "00b00000000000"},
	}
	for _, tc := range cases {
		got, err := EncodeCommand(tc.c)
		if err != nil {
			t.Fatalf("EncodeCommand: %v", err)
		}
		if want := mustHex(t, tc.want); !bytes.Equal(got, want) {
			t.Fatalf("expected %X, got %X", want, got)
		}
		back, err := ParseCommand(got)
		if err != nil {
			t.Fatalf("ParseCommand(%X): %v", got, err)
		}
		if back.Ins != tc.c.Ins || back.Ne != tc.c.Ne || !bytes.Equal(back.Data, tc.c.Data) {
			t.Fatalf("expected %+v after round trip, got %+v", tc.c, back)
		}
	}

	long := make([]byte, 300)
	got, err := EncodeCommand(apdu.Capdu{Ins: 0x2A, Data: long, Ne: 256})
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	if got[4] != 0 || got[5] != 0x01 || got[6] != 0x2C || len(got) != 7+300+2 {
		t.Fatalf("expected extended encoding, got header %X and length %d", got[:7], len(got))
	}
}

func TestReadBinaryRetriesWrongLe(t *testing.T) {
	card := &scriptedCard{t: t, steps: []scriptStep{
		{expect: mustHex(t, "00b0000010"), resp: mustHex(t, "6c04")},
		{expect: mustHex(t, "00b0000004"), resp: mustHex(t, "010203049000")},
	}}
	data, err := ReadBinary(card, 0, 16)
	if err != nil {
		t.Fatalf("ReadBinary: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4}) {
		t.Fatalf("expected 01020304, got %X", data)
	}
	card.done()
}
