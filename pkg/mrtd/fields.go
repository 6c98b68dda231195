package mrtd

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"

	"github.com/barnettlynn/mrtdtools/pkg/tlv"
)

// Data group templates and the data objects read from them.
const (
	tagDG1  = 0x61
	tagDG2  = 0x75
	tagDG11 = 0x6B
	tagDG12 = 0x6C

	tagMRZ            = 0x5F1F
	tagFullName       = 0x5F0E
	tagPersonalNumber = 0x5F10
	tagPlaceOfBirth   = 0x5F11
	tagAddress        = 0x5F42
	tagIssueDate      = 0x5F26
)

// jpeg2000Signature starts a JP2 file box.
var jpeg2000Signature = []byte{0x00, 0x00, 0x00, 0x0C, 0x6A, 0x50, 0x20, 0x20, 0x0D, 0x0A, 0x87, 0x0A}

// PersonalData holds the optional holder details of DG11 and DG12.
type PersonalData struct {
	PrimaryName    string
	SecondaryName  string
	PlaceOfBirth   string
	Address        []string
	PersonalNumber string
	IssueDate      string
}

// FullName joins the name parts with a space.
func (p *PersonalData) FullName() string {
	return strings.TrimSpace(p.SecondaryName + " " + p.PrimaryName)
}

func findTag(n *tlv.Node, tag uint64) *tlv.Node {
	if n.TagRaw() == tag {
		return n
	}
	for _, c := range n.Children {
		if f := findTag(c, tag); f != nil {
			return f
		}
	}
	return nil
}

func parseTemplate(data []byte, tag uint64) (*tlv.Node, error) {
	root, err := tlv.Parse(data, false)
	if err != nil {
		return nil, err
	}
	if err := root.CheckTag(tag); err != nil {
		return nil, err
	}
	return root, nil
}

// DG1MRZ returns the MRZ string stored in DG1.
func DG1MRZ(dg1 []byte) (string, error) {
	root, err := parseTemplate(dg1, tagDG1)
	if err != nil {
		return "", errors.Wrap(err, "parse DG1")
	}
	mrz := root.ChildByTag(tagMRZ)
	if mrz == nil {
		return "", errors.New("DG1 lacks the MRZ data object")
	}
	return string(mrz.Content), nil
}

// ParseDG1 parses the MRZ stored in DG1.
func ParseDG1(dg1 []byte) (*MRZ, error) {
	s, err := DG1MRZ(dg1)
	if err != nil {
		return nil, err
	}
	return ParseMRZ(s)
}

// EncodeDG1 builds DG1 around an MRZ string.
func EncodeDG1(mrz string) []byte {
	return tlv.Wrap(tagDG1, tlv.Wrap(tagMRZ, []byte(mrz)))
}

// ParsePersonalData reads the holder details from DG11 and, when given,
// DG12. Absent data objects leave their field empty.
func ParsePersonalData(dg11, dg12 []byte) (*PersonalData, error) {
	p := &PersonalData{}
	if len(dg11) > 0 {
		root, err := parseTemplate(dg11, tagDG11)
		if err != nil {
			return nil, errors.Wrap(err, "parse DG11")
		}
		if n := findTag(root, tagFullName); n != nil {
			p.PrimaryName, p.SecondaryName = splitName(string(n.Content))
		}
		if n := findTag(root, tagPlaceOfBirth); n != nil {
			p.PlaceOfBirth = strings.ReplaceAll(string(n.Content), "<", " ")
		}
		if n := findTag(root, tagAddress); n != nil {
			for _, part := range strings.Split(string(n.Content), "<") {
				if part = strings.TrimSpace(part); part != "" {
					p.Address = append(p.Address, part)
				}
			}
		}
		if n := findTag(root, tagPersonalNumber); n != nil {
			p.PersonalNumber = trimFiller(string(n.Content))
		}
	}
	if len(dg12) > 0 {
		root, err := parseTemplate(dg12, tagDG12)
		if err != nil {
			return nil, errors.Wrap(err, "parse DG12")
		}
		if n := findTag(root, tagIssueDate); n != nil {
			p.IssueDate = string(n.Content)
		}
	}
	return p, nil
}

// EncodeDG11 builds DG11 from the holder details.
func EncodeDG11(p *PersonalData) []byte {
	var tags, body []byte
	add := func(tag uint64, v string) {
		if v == "" {
			return
		}
		tags = append(tags, tlv.TagBytes(tag)...)
		body = append(body, tlv.Wrap(tag, []byte(v))...)
	}
	name := strings.ReplaceAll(p.PrimaryName, " ", "<")
	if p.SecondaryName != "" {
		name += "<<" + strings.ReplaceAll(p.SecondaryName, " ", "<")
	}
	add(tagFullName, name)
	add(tagPersonalNumber, p.PersonalNumber)
	add(tagPlaceOfBirth, strings.ReplaceAll(p.PlaceOfBirth, " ", "<"))
	add(tagAddress, strings.Join(p.Address, "<"))
	return tlv.Wrap(tagDG11, concat(tlv.Wrap(0x5C, tags), body))
}

// EncodeDG12 builds DG12 with the date of issue (YYYYMMDD).
func EncodeDG12(issueDate string) []byte {
	tags := tlv.TagBytes(tagIssueDate)
	return tlv.Wrap(tagDG12, concat(tlv.Wrap(0x5C, tags), tlv.Wrap(tagIssueDate, []byte(issueDate))))
}

// EncodeDG2 builds a DG2 biometric template around an encoded facial
// image.
func EncodeDG2(image []byte) []byte {
	return tlv.Wrap(tagDG2, tlv.Wrap(0x7F61, concat(
		tlv.Wrap(tlv.TagInteger, []byte{0x01}),
		tlv.Wrap(0x7F60, concat(
			tlv.Wrap(0xA1, tlv.Wrap(0x80, []byte{0x01, 0x01})),
			tlv.Wrap(0x5F2E, image))))))
}

// Portrait locates the JPEG 2000 facial image in DG2 and returns it from the
// signature box to the end of the data group. The image is not decoded.
func Portrait(dg2 []byte) ([]byte, error) {
	if len(dg2) == 0 || dg2[0] != tagDG2 {
		return nil, errors.Wrapf(tlv.ErrTagMismatch, "expected DG2 template %X", tagDG2)
	}
	i := bytes.Index(dg2, jpeg2000Signature)
	if i < 0 {
		return nil, errors.New("DG2 holds no JPEG 2000 image")
	}
	return append([]byte{}, dg2[i:]...), nil
}
