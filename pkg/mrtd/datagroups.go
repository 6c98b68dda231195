package mrtd

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"

	"github.com/barnettlynn/mrtdtools/pkg/tlv"
)

// DG identifies an elementary file of the LDS by its short file identifier.
type DG int

// Data groups and LDS files. The value is the SFI used by READ BINARY.
const (
	DG1  DG = 1
	DG2  DG = 2
	DG3  DG = 3
	DG4  DG = 4
	DG5  DG = 5
	DG6  DG = 6
	DG7  DG = 7
	DG8  DG = 8
	DG9  DG = 9
	DG10 DG = 10
	DG11 DG = 11
	DG12 DG = 12
	DG13 DG = 13
	DG14 DG = 14
	DG15 DG = 15
	DG16 DG = 16

	EFCVCA DG = 28
	EFSOD  DG = 29
	EFCOM  DG = 30
)

const readChunkLen = 0xE0

func (d DG) String() string {
	switch d {
	case EFCVCA:
		return "EF.CVCA"
	case EFSOD:
		return "EF.SOD"
	case EFCOM:
		return "EF.COM"
	}
	return fmt.Sprintf("DG%d", int(d))
}

// dgTags maps EF.COM tag list entries to data groups.
var dgTags = map[byte]DG{
	0x61: DG1, 0x75: DG2, 0x63: DG3, 0x76: DG4,
	0x65: DG5, 0x66: DG6, 0x67: DG7, 0x68: DG8,
	0x69: DG9, 0x6A: DG10, 0x6B: DG11, 0x6C: DG12,
	0x6D: DG13, 0x6E: DG14, 0x6F: DG15, 0x70: DG16,
	0x77: EFSOD,
}

// Tag returns the EF.COM tag of a data group, or 0.
func (d DG) Tag() byte {
	for tag, dg := range dgTags {
		if dg == d {
			return tag
		}
	}
	return 0
}

// COM is the parsed EF.COM.
type COM struct {
	LDSVersion     string
	UnicodeVersion string
	Tags           []byte
}

// DataGroups lists the data groups advertised in EF.COM, in order.
// Unknown tags are skipped.
func (c *COM) DataGroups() []DG {
	var out []DG
	for _, t := range c.Tags {
		if dg, ok := dgTags[t]; ok {
			out = append(out, dg)
		}
	}
	return out
}

// Has reports whether EF.COM lists dg.
func (c *COM) Has(dg DG) bool {
	for _, d := range c.DataGroups() {
		if d == dg {
			return true
		}
	}
	return false
}

// ParseCOM parses EF.COM: 60 { 5F01 "0107", 5F36 "040000", 5C tags }.
func ParseCOM(data []byte) (*COM, error) {
	root, err := tlv.Parse(data, false)
	if err != nil {
		return nil, errors.Wrap(err, "parse EF.COM")
	}
	if err := root.CheckTag(0x60); err != nil {
		return nil, err
	}
	lds, err := root.Child(0, 0x5F01)
	if err != nil {
		return nil, err
	}
	if err := lds.Verify([]byte("0107")); err != nil {
		return nil, errors.Wrap(err, "LDS version")
	}
	uni, err := root.Child(1, 0x5F36)
	if err != nil {
		return nil, err
	}
	if err := uni.Verify([]byte("040000")); err != nil {
		return nil, errors.Wrap(err, "unicode version")
	}
	list, err := root.Child(2, 0x5C)
	if err != nil {
		return nil, err
	}
	return &COM{
		LDSVersion:     string(lds.Content),
		UnicodeVersion: string(uni.Content),
		Tags:           append([]byte{}, list.Content...),
	}, nil
}

// EncodeCOM builds EF.COM for the given data groups.
func EncodeCOM(dgs ...DG) []byte {
	var tags []byte
	for _, d := range dgs {
		if t := d.Tag(); t != 0 {
			tags = append(tags, t)
		}
	}
	return tlv.Wrap(0x60, concat(
		tlv.Wrap(0x5F01, []byte("0107")),
		tlv.Wrap(0x5F36, []byte("040000")),
		tlv.Wrap(0x5C, tags)))
}

// DataGroups stores raw file contents by data group. Getters return copies.
type DataGroups struct {
	files map[DG][]byte
}

// NewDataGroups returns an empty store.
func NewDataGroups() *DataGroups {
	return &DataGroups{files: map[DG][]byte{}}
}

// Set stores a copy of data under dg.
func (d *DataGroups) Set(dg DG, data []byte) {
	d.files[dg] = append([]byte{}, data...)
}

// Get returns a copy of the content of dg.
func (d *DataGroups) Get(dg DG) ([]byte, bool) {
	data, ok := d.files[dg]
	if !ok {
		return nil, false
	}
	return append([]byte{}, data...), true
}

// Has reports whether dg was read.
func (d *DataGroups) Has(dg DG) bool {
	_, ok := d.files[dg]
	return ok
}

// List returns the stored data groups in ascending order.
func (d *DataGroups) List() []DG {
	out := make([]DG, 0, len(d.files))
	for dg := range d.files {
		out = append(out, dg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReadFile reads a whole LDS file over secure messaging. The first READ
// BINARY selects the file by SFI and returns its header; the rest follows in
// chunks of at most 0xE0 bytes.
func ReadFile(card Card, sess *Session, dg DG) ([]byte, error) {
	if sess == nil {
		return nil, ErrNotAuthenticated
	}
	head, err := sess.Transmit(card, apdu.Capdu{Ins: 0xB0, P1: 0x80 | byte(dg), P2: 0x00, Ne: 6}, false)
	if err != nil {
		return nil, errors.Wrapf(err, "select %s", dg)
	}
	total, err := tlv.ParseLength(head)
	if err != nil {
		return nil, errors.Wrapf(err, "%s length", dg)
	}
	data := append([]byte{}, head...)
	for len(data) < total {
		n := total - len(data)
		if n > readChunkLen {
			n = readChunkLen
		}
		off := len(data)
		chunk, err := sess.Transmit(card, apdu.Capdu{Ins: 0xB0, P1: byte(off>>8) & 0x7F, P2: byte(off), Ne: n}, false)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s at %d", dg, off)
		}
		if len(chunk) == 0 {
			return nil, errors.Errorf("%s truncated at %d of %d bytes", dg, off, total)
		}
		data = append(data, chunk...)
	}
	if len(data) > total {
		data = data[:total]
	}
	return data, nil
}
