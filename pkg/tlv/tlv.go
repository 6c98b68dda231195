// Package tlv parses and encodes ASN.1 BER tag-length-value structures
// into a tree of nodes.
//
// Only definite lengths are supported. Offsets recorded on each node are
// absolute positions in the buffer handed to Parse, including nodes found
// by speculatively re-parsing OCTET STRING and BIT STRING content.
package tlv

import (
	"bytes"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedEncoding is returned when the input is not valid BER.
	ErrMalformedEncoding = errors.New("malformed ASN.1 encoding")
	// ErrTagMismatch is returned when a node does not carry the expected tag.
	ErrTagMismatch = errors.New("ASN.1 tag mismatch")
	// ErrContentMismatch is returned by Verify when content differs.
	ErrContentMismatch = errors.New("ASN.1 content mismatch")
)

// Universal tags used across the package.
const (
	TagInteger     = 0x02
	TagBitString   = 0x03
	TagOctetString = 0x04
	TagNull        = 0x05
	TagOID         = 0x06
	TagSequence    = 0x30
	TagSet         = 0x31
)

// Node is one parsed TLV element. A node holds either Content or Children,
// never both. Children is non-nil for constructed nodes (even when empty)
// and for OCTET/BIT STRING nodes whose content was re-parsed.
type Node struct {
	Tag      []byte
	Content  []byte
	Children []*Node

	// Start and End delimit the whole TLV (header included).
	Start int
	End   int

	// unused is the leading unused-bits byte of a re-parsed BIT STRING.
	unused byte
}

// New returns a primitive node.
func New(tag uint64, content []byte) *Node {
	return &Node{Tag: TagBytes(tag), Content: append([]byte{}, content...)}
}

// NewConstructed returns a node holding children.
func NewConstructed(tag uint64, children ...*Node) *Node {
	if children == nil {
		children = []*Node{}
	}
	return &Node{Tag: TagBytes(tag), Children: children}
}

// Wrap encodes content under tag in one step.
func Wrap(tag uint64, content []byte) []byte {
	out := append([]byte{}, TagBytes(tag)...)
	out = append(out, EncodeLength(len(content))...)
	return append(out, content...)
}

// TagBytes returns the minimal big-endian byte form of a raw tag number,
// for example 0x7F21 becomes 7F 21.
func TagBytes(tag uint64) []byte {
	if tag == 0 {
		return []byte{0}
	}
	var out []byte
	for tag > 0 {
		out = append([]byte{byte(tag)}, out...)
		tag >>= 8
	}
	return out
}

// EncodeLength returns the BER definite length encoding of n.
func EncodeLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var l []byte
	for v := n; v > 0; v >>= 8 {
		l = append([]byte{byte(v)}, l...)
	}
	return append([]byte{0x80 | byte(len(l))}, l...)
}

// Parse decodes the first TLV in data. Trailing bytes after it are ignored.
// With reparse set, OCTET STRING and BIT STRING content that decodes fully
// as TLV is exposed as children; otherwise it is kept raw.
func Parse(data []byte, reparse bool) (*Node, error) {
	n, _, err := parseAt(data, 0, len(data), reparse)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, errors.Wrap(ErrMalformedEncoding, "empty TLV")
	}
	return n, nil
}

// ParseAll decodes a concatenation of TLVs that must fill data exactly.
func ParseAll(data []byte, reparse bool) ([]*Node, error) {
	return parseSeq(data, 0, len(data), reparse)
}

// ParseLength returns the total size (header plus content) of the TLV that
// starts data. Only the header needs to be present, which is how files are
// sized from their first few bytes.
func ParseLength(data []byte) (int, error) {
	tagLen, err := readTag(data, 0, len(data))
	if err != nil {
		return 0, err
	}
	l, lenLen, err := readLength(data, tagLen, len(data))
	if err != nil {
		return 0, err
	}
	return tagLen + lenLen + l, nil
}

func readTag(data []byte, off, end int) (int, error) {
	if off >= end {
		return 0, errors.Wrap(ErrMalformedEncoding, "missing tag")
	}
	i := off + 1
	if data[off]&0x1F == 0x1F {
		for {
			if i >= end {
				return 0, errors.Wrap(ErrMalformedEncoding, "unterminated multi-byte tag")
			}
			b := data[i]
			i++
			if b&0x80 == 0 {
				break
			}
		}
	}
	return i - off, nil
}

// readLength returns the content length and the size of the length field.
func readLength(data []byte, off, end int) (int, int, error) {
	if off >= end {
		return 0, 0, errors.Wrap(ErrMalformedEncoding, "missing length")
	}
	b := data[off]
	if b < 0x80 {
		return int(b), 1, nil
	}
	if b == 0x80 {
		return 0, 0, errors.Wrap(ErrMalformedEncoding, "indefinite length not supported")
	}
	n := int(b & 0x7F)
	if n > 4 {
		return 0, 0, errors.Wrapf(ErrMalformedEncoding, "length of %d bytes", n)
	}
	if off+1+n > end {
		return 0, 0, errors.Wrap(ErrMalformedEncoding, "truncated length")
	}
	var l uint64
	for _, c := range data[off+1 : off+1+n] {
		l = l<<8 | uint64(c)
	}
	// Content is bounded by the caller; ParseLength sees only the header.
	if l > math.MaxInt32 {
		return 0, 0, errors.Wrapf(ErrMalformedEncoding, "length %d out of range", l)
	}
	return int(l), 1 + n, nil
}

// parseAt decodes one TLV at off. A 00 00 filler pair yields a nil node.
func parseAt(data []byte, off, end int, reparse bool) (*Node, int, error) {
	tagLen, err := readTag(data, off, end)
	if err != nil {
		return nil, 0, err
	}
	l, lenLen, err := readLength(data, off+tagLen, end)
	if err != nil {
		return nil, 0, err
	}
	start := off + tagLen + lenLen
	if l > end-start {
		return nil, 0, errors.Wrapf(ErrMalformedEncoding, "length %d exceeds remaining %d bytes", l, end-start)
	}
	next := start + l
	tag := data[off : off+tagLen]
	if tagLen == 1 && tag[0] == 0 && l == 0 {
		return nil, next, nil
	}

	n := &Node{Tag: append([]byte{}, tag...), Start: off, End: next}
	if tag[0]&0x20 != 0 {
		children, err := parseSeq(data, start, next, reparse)
		if err != nil {
			return nil, 0, err
		}
		n.Children = children
		return n, next, nil
	}

	n.Content = append([]byte{}, data[start:next]...)
	if reparse && tagLen == 1 {
		switch tag[0] {
		case TagOctetString:
			if children, err := parseSeq(data, start, next, true); err == nil && len(children) > 0 {
				n.Children, n.Content = children, nil
			}
		case TagBitString:
			if l > 1 {
				if children, err := parseSeq(data, start+1, next, true); err == nil && len(children) > 0 {
					n.unused = data[start]
					n.Children, n.Content = children, nil
				}
			}
		}
	}
	return n, next, nil
}

func parseSeq(data []byte, off, end int, reparse bool) ([]*Node, error) {
	children := []*Node{}
	for off < end {
		c, next, err := parseAt(data, off, end, reparse)
		if err != nil {
			return nil, err
		}
		if c != nil {
			children = append(children, c)
		}
		off = next
	}
	return children, nil
}

// Constructed reports whether the tag has the constructed bit set.
func (n *Node) Constructed() bool {
	return len(n.Tag) > 0 && n.Tag[0]&0x20 != 0
}

// Class returns the tag class: 0 universal, 1 application, 2 context, 3 private.
func (n *Node) Class() int {
	if len(n.Tag) == 0 {
		return 0
	}
	return int(n.Tag[0] >> 6)
}

// TagRaw returns the tag bytes read as a big-endian integer (7F 21 is
// 0x7F21). Tag comparisons throughout the package use this form.
func (n *Node) TagRaw() uint64 {
	var v uint64
	for _, b := range n.Tag {
		v = v<<8 | uint64(b)
	}
	return v
}

// TagNumber returns the ASN.1 tag number with class and constructed bits
// removed (7F 21 is 33).
func (n *Node) TagNumber() uint64 {
	if len(n.Tag) == 0 {
		return 0
	}
	if n.Tag[0]&0x1F != 0x1F {
		return uint64(n.Tag[0] & 0x1F)
	}
	var v uint64
	for _, b := range n.Tag[1:] {
		v = v<<7 | uint64(b&0x7F)
	}
	return v
}

// Value returns the node content. For nodes with children it is the
// concatenated encoding of the children.
func (n *Node) Value() []byte {
	if n.Children == nil {
		return n.Content
	}
	var buf bytes.Buffer
	for _, c := range n.Children {
		buf.Write(c.Encode())
	}
	return buf.Bytes()
}

// Encode serializes the node and its children.
func (n *Node) Encode() []byte {
	body := n.Value()
	if n.Children != nil && !n.Constructed() && len(n.Tag) == 1 && n.Tag[0] == TagBitString {
		body = append([]byte{n.unused}, body...)
	}
	out := append([]byte{}, n.Tag...)
	out = append(out, EncodeLength(len(body))...)
	return append(out, body...)
}

// CheckTag returns an error unless the node tag equals tag.
func (n *Node) CheckTag(tag uint64) error {
	if n.TagRaw() != tag {
		return errors.Wrapf(ErrTagMismatch, "expected %X, got %X", tag, n.TagRaw())
	}
	return nil
}

// Child returns the i-th child. When tag is given the child must carry it.
func (n *Node) Child(i int, tag ...uint64) (*Node, error) {
	if i < 0 || i >= len(n.Children) {
		return nil, errors.Wrapf(ErrTagMismatch, "child %d missing in %X (%d children)", i, n.TagRaw(), len(n.Children))
	}
	c := n.Children[i]
	if len(tag) > 0 {
		if err := c.CheckTag(tag[0]); err != nil {
			return nil, errors.Wrapf(err, "child %d of %X", i, n.TagRaw())
		}
	}
	return c, nil
}

// ChildByTag returns the first child carrying tag, or nil.
func (n *Node) ChildByTag(tag uint64) *Node {
	for _, c := range n.Children {
		if c.TagRaw() == tag {
			return c
		}
	}
	return nil
}

// Step addresses one level of a Path walk.
type Step struct {
	Index int
	Tag   uint64
}

// S builds a Step.
func S(index int, tag uint64) Step { return Step{Index: index, Tag: tag} }

// Path follows a chain of Child lookups.
func (n *Node) Path(steps ...Step) (*Node, error) {
	cur := n
	for _, s := range steps {
		c, err := cur.Child(s.Index, s.Tag)
		if err != nil {
			return nil, err
		}
		cur = c
	}
	return cur, nil
}

// Verify returns an error unless the node value equals content.
func (n *Node) Verify(content []byte) error {
	if !bytes.Equal(n.Value(), content) {
		return errors.Wrapf(ErrContentMismatch, "tag %X: expected %X, got %X", n.TagRaw(), content, n.Value())
	}
	return nil
}

// Uint returns the value of a small unsigned INTEGER.
func (n *Node) Uint() (uint64, error) {
	v := n.Value()
	for len(v) > 1 && v[0] == 0 {
		v = v[1:]
	}
	if len(v) > 8 {
		return 0, errors.Wrapf(ErrMalformedEncoding, "integer of %d bytes", len(v))
	}
	var out uint64
	for _, b := range v {
		out = out<<8 | uint64(b)
	}
	return out, nil
}

func (n *Node) String() string {
	if n.Children != nil {
		return fmt.Sprintf("%X{%d children}", n.TagRaw(), len(n.Children))
	}
	return fmt.Sprintf("%X[%X]", n.TagRaw(), n.Content)
}
