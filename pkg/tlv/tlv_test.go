package tlv

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/pkg/errors"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestRoundTripConstructedTree(t *testing.T) {
	trees := []*Node{
		NewConstructed(0x30, New(0x02, []byte{0x01}), New(0x04, []byte("abc"))),
		NewConstructed(0x7F21,
			NewConstructed(0x7F4E,
				New(0x5F29, []byte{0x00}),
				New(0x42, []byte("ITCVCA00001")),
				NewConstructed(0x7F49, New(0x06, []byte{0x04, 0x00}), New(0x81, bytes.Repeat([]byte{0xAB}, 300))),
			),
			New(0x5F37, bytes.Repeat([]byte{0x11}, 128)),
		),
		NewConstructed(0x31),
	}
	for i, tree := range trees {
		enc := tree.Encode()
		parsed, err := Parse(enc, false)
		if err != nil {
			t.Fatalf("tree %d: parse: %v", i, err)
		}
		if got := parsed.Encode(); !bytes.Equal(got, enc) {
			t.Fatalf("tree %d: round trip mismatch\nwant %X\ngot  %X", i, enc, got)
		}
		if parsed.Start != 0 || parsed.End != len(enc) {
			t.Fatalf("tree %d: expected range [0,%d), got [%d,%d)", i, len(enc), parsed.Start, parsed.End)
		}
	}
}

func TestLengthForms(t *testing.T) {
	cases := []struct {
		n    int
		want string
	}{
		{0, "00"},
		{0x7F, "7F"},
		{0x80, "8180"},
		{0xFF, "81FF"},
		{0x100, "820100"},
		{0x10000, "83010000"},
	}
	for _, tc := range cases {
		if got := hex.EncodeToString(EncodeLength(tc.n)); got != lowerHex(tc.want) {
			t.Fatalf("EncodeLength(%d): expected %s, got %s", tc.n, tc.want, got)
		}
	}
}

func lowerHex(s string) string {
	b, _ := hex.DecodeString(s)
	return hex.EncodeToString(b)
}

func TestMalformedInputs(t *testing.T) {
	cases := map[string]string{
		"length exceeds buffer": "0405AABB",
		"indefinite length":     "3080000000",
		"unterminated tag":      "7F",
		"unterminated tag run":  "7F8181",
		"truncated long length": "0482AA",
		"oversized long length": "0484FFFFFFFF",
		"long length past end":  "0484000001000000",
		"bad child":             "30030403AA",
	}
	for name, in := range cases {
		_, err := Parse(mustHex(t, in), false)
		if !errors.Is(err, ErrMalformedEncoding) {
			t.Fatalf("%s: expected ErrMalformedEncoding, got %v", name, err)
		}
	}
}

func TestMultiByteTagNumbers(t *testing.T) {
	n, err := Parse(mustHex(t, "7F2100"), false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.TagRaw() != 0x7F21 {
		t.Fatalf("expected raw tag 7F21, got %X", n.TagRaw())
	}
	if n.TagNumber() != 0x21 {
		t.Fatalf("expected tag number 33, got %d", n.TagNumber())
	}
	if !n.Constructed() || n.Class() != 1 {
		t.Fatalf("expected constructed application tag, got constructed=%v class=%d", n.Constructed(), n.Class())
	}

	n, err = Parse(mustHex(t, "5F1F0141"), false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.TagNumber() != 0x1F || n.TagRaw() != 0x5F1F {
		t.Fatalf("unexpected tag decoding: number=%X raw=%X", n.TagNumber(), n.TagRaw())
	}
}

func TestReparseOctetAndBitString(t *testing.T) {
	inner := NewConstructed(0x30, New(0x02, []byte{0x05})).Encode()
	octet := Wrap(0x04, inner)
	bit := Wrap(0x03, append([]byte{0x00}, inner...))
	seq := Wrap(0x30, append(append([]byte{}, octet...), bit...))

	n, err := Parse(seq, true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	o, _ := n.Child(0, TagOctetString)
	if len(o.Children) != 1 || o.Content != nil {
		t.Fatalf("expected octet string to be re-parsed, got %v", o)
	}
	if o.Children[0].Start != 2+2 {
		t.Fatalf("expected absolute child offset 4, got %d", o.Children[0].Start)
	}
	b, _ := n.Child(1, TagBitString)
	if len(b.Children) != 1 {
		t.Fatalf("expected bit string to be re-parsed, got %v", b)
	}
	if got := n.Encode(); !bytes.Equal(got, seq) {
		t.Fatalf("re-encode mismatch\nwant %X\ngot  %X", seq, got)
	}

	flat, err := Parse(seq, false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if o := flat.Children[0]; o.Children != nil || !bytes.Equal(o.Content, inner) {
		t.Fatalf("expected raw octet string without reparse, got %v", o)
	}
}

func TestReparseKeepsRawOnPartialConsumption(t *testing.T) {
	// 02 01 05 followed by a dangling byte does not consume the whole content.
	octet := Wrap(0x04, mustHex(t, "02010599"))
	n, err := Parse(octet, true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.Children != nil || !bytes.Equal(n.Content, mustHex(t, "02010599")) {
		t.Fatalf("expected raw content kept, got %v", n)
	}

	// Random digest bytes that do not decode stay raw as well.
	digest := Wrap(0x04, mustHex(t, "3099FFEE"))
	n, err = Parse(digest, true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.Children != nil {
		t.Fatalf("expected raw digest, got children")
	}
}

func TestFillerPairsAreSkipped(t *testing.T) {
	n, err := Parse(mustHex(t, "30080000020101020102"), false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(n.Children) != 2 {
		t.Fatalf("expected 2 children after skipping filler, got %d", len(n.Children))
	}
}

func TestAccessors(t *testing.T) {
	tree := NewConstructed(0x60,
		New(0x5F01, []byte("0107")),
		New(0x5F36, []byte("040000")),
		New(0x5C, []byte{0x61, 0x75}),
	)
	n, err := Parse(tree.Encode(), false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := n.CheckTag(0x60); err != nil {
		t.Fatalf("CheckTag: %v", err)
	}
	c, err := n.Child(0, 0x5F01)
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	if err := c.Verify([]byte("0107")); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := c.Verify([]byte("0108")); !errors.Is(err, ErrContentMismatch) {
		t.Fatalf("expected ErrContentMismatch, got %v", err)
	}
	if _, err := n.Child(1, 0x5F01); !errors.Is(err, ErrTagMismatch) {
		t.Fatalf("expected ErrTagMismatch, got %v", err)
	}
	if _, err := n.Child(5); !errors.Is(err, ErrTagMismatch) {
		t.Fatalf("expected ErrTagMismatch for missing child, got %v", err)
	}
	if got := n.ChildByTag(0x5C); got == nil || !bytes.Equal(got.Content, []byte{0x61, 0x75}) {
		t.Fatalf("ChildByTag(5C) returned %v", got)
	}
	if got := n.ChildByTag(0x99); got != nil {
		t.Fatalf("expected nil for absent tag, got %v", got)
	}
}

func TestParseLengthFromHeaderOnly(t *testing.T) {
	cases := []struct {
		header string
		want   int
	}{
		{"6116", 0x18},
		{"7581FF", 0xFF + 3},
		{"77820400", 0x400 + 4},
		{"7F2182012C", 0x12C + 5},
	}
	for _, tc := range cases {
		got, err := ParseLength(mustHex(t, tc.header))
		if err != nil {
			t.Fatalf("ParseLength(%s): %v", tc.header, err)
		}
		if got != tc.want {
			t.Fatalf("ParseLength(%s): expected %d, got %d", tc.header, tc.want, got)
		}
	}
	if _, err := ParseLength(mustHex(t, "6384FFFFFFFF")); !errors.Is(err, ErrMalformedEncoding) {
		t.Fatalf("expected ErrMalformedEncoding for 4-byte length FFFFFFFF, got %v", err)
	}
}

func TestUint(t *testing.T) {
	n := New(0x02, []byte{0x00, 0x01, 0x00})
	v, err := n.Uint()
	if err != nil || v != 256 {
		t.Fatalf("expected 256, got %d (%v)", v, err)
	}
}
