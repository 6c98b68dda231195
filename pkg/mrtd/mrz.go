package mrtd

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// MRZ document formats (ICAO 9303 parts 4 to 6).
const (
	FormatTD1 = "TD1" // 3 lines of 30
	FormatTD2 = "TD2" // 2 lines of 36
	FormatTD3 = "TD3" // 2 lines of 44
)

var checkWeights = [3]int{7, 3, 1}

func mrzValue(c byte) (int, error) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), nil
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10, nil
	case c == '<':
		return 0, nil
	}
	return 0, errors.Errorf("invalid MRZ character %q", c)
}

// CheckDigit computes the ICAO 9303 check digit of s and returns it as an
// ASCII digit.
func CheckDigit(s string) (byte, error) {
	sum := 0
	for i := 0; i < len(s); i++ {
		v, err := mrzValue(s[i])
		if err != nil {
			return 0, err
		}
		sum += v * checkWeights[i%3]
	}
	return byte('0' + sum%10), nil
}

// mrzInformation builds document number, birth date and expiry date each
// followed by its check digit. Document numbers shorter than 9 characters
// are padded with '<'.
func mrzInformation(docNumber, birthDate, expiryDate string) (string, error) {
	docNumber = strings.ToUpper(strings.TrimSpace(docNumber))
	if len(docNumber) < 9 {
		docNumber += strings.Repeat("<", 9-len(docNumber))
	}
	if len(birthDate) != 6 || len(expiryDate) != 6 {
		return "", errors.New("birth and expiry dates must be YYMMDD")
	}
	var b strings.Builder
	for _, field := range []string{docNumber, birthDate, expiryDate} {
		cd, err := CheckDigit(field)
		if err != nil {
			return "", err
		}
		b.WriteString(field)
		b.WriteByte(cd)
	}
	return b.String(), nil
}

// MRZKeySeed derives the BAC key seed: SHA-1 of the MRZ information, first
// 16 bytes.
func MRZKeySeed(docNumber, birthDate, expiryDate string) ([]byte, error) {
	info, err := mrzInformation(docNumber, birthDate, expiryDate)
	if err != nil {
		return nil, err
	}
	return SHA1([]byte(info))[:16], nil
}

// MRZPassword derives the PACE password from the MRZ: the full SHA-1 of the
// MRZ information.
func MRZPassword(docNumber, birthDate, expiryDate string) ([]byte, error) {
	info, err := mrzInformation(docNumber, birthDate, expiryDate)
	if err != nil {
		return nil, err
	}
	return SHA1([]byte(info)), nil
}

// CANPassword returns the PACE password for a card access number.
func CANPassword(can string) ([]byte, error) {
	can = strings.TrimSpace(can)
	if can == "" {
		return nil, errors.New("empty CAN")
	}
	for i := 0; i < len(can); i++ {
		if can[i] < '0' || can[i] > '9' {
			return nil, errors.Errorf("CAN must be numeric, got %q", can)
		}
	}
	return []byte(can), nil
}

// MRZ is a parsed machine readable zone.
type MRZ struct {
	Format         string
	Raw            string // lines joined without separators
	DocumentCode   string
	IssuingState   string
	DocumentNumber string
	Nationality    string
	BirthDate      string // YYMMDD
	Sex            string
	ExpiryDate     string // YYMMDD
	PrimaryName    string
	SecondaryName  string
	OptionalData   string

	checks []mrzCheck
}

type mrzCheck struct {
	field string
	data  string
	digit byte
}

// ParseMRZ parses a TD1, TD2 or TD3 MRZ. Line breaks and surrounding
// whitespace are ignored; the format is chosen from the total length.
func ParseMRZ(s string) (*MRZ, error) {
	raw := strings.ToUpper(strings.Join(strings.Fields(s), ""))
	m := &MRZ{Raw: raw}
	switch len(raw) {
	case 90:
		m.Format = FormatTD1
		l1, l2, l3 := raw[:30], raw[30:60], raw[60:]
		m.DocumentCode = trimFiller(l1[0:2])
		m.IssuingState = trimFiller(l1[2:5])
		m.DocumentNumber = trimFiller(l1[5:14])
		m.OptionalData = trimFiller(l1[15:30]) + trimFiller(l2[18:29])
		m.BirthDate = l2[0:6]
		m.Sex = trimFiller(l2[7:8])
		m.ExpiryDate = l2[8:14]
		m.Nationality = trimFiller(l2[15:18])
		m.PrimaryName, m.SecondaryName = splitName(l3)
		m.checks = []mrzCheck{
			{"document number", l1[5:14], l1[14]},
			{"birth date", l2[0:6], l2[6]},
			{"expiry date", l2[8:14], l2[14]},
			{"composite", l1[5:30] + l2[0:7] + l2[8:15] + l2[18:29], l2[29]},
		}
	case 72, 88:
		width := len(raw) / 2
		l1, l2 := raw[:width], raw[width:]
		m.Format = FormatTD3
		if width == 36 {
			m.Format = FormatTD2
		}
		m.DocumentCode = trimFiller(l1[0:2])
		m.IssuingState = trimFiller(l1[2:5])
		m.PrimaryName, m.SecondaryName = splitName(l1[5:])
		m.DocumentNumber = trimFiller(l2[0:9])
		m.Nationality = trimFiller(l2[10:13])
		m.BirthDate = l2[13:19]
		m.Sex = trimFiller(l2[20:21])
		m.ExpiryDate = l2[21:27]
		m.checks = []mrzCheck{
			{"document number", l2[0:9], l2[9]},
			{"birth date", l2[13:19], l2[19]},
			{"expiry date", l2[21:27], l2[27]},
		}
		if width == 44 {
			m.OptionalData = trimFiller(l2[28:42])
			m.checks = append(m.checks,
				mrzCheck{"personal number", l2[28:42], l2[42]},
				mrzCheck{"composite", l2[0:10] + l2[13:20] + l2[21:43], l2[43]})
		} else {
			m.OptionalData = trimFiller(l2[28:35])
			m.checks = append(m.checks,
				mrzCheck{"composite", l2[0:10] + l2[13:20] + l2[21:35], l2[35]})
		}
	default:
		return nil, errors.Errorf("MRZ length %d matches no document format", len(raw))
	}
	for i := 0; i < len(raw); i++ {
		if _, err := mrzValue(raw[i]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Validate recomputes every check digit and reports the first mismatch.
func (m *MRZ) Validate() error {
	for _, c := range m.checks {
		// an empty personal number may carry '<' as its check digit
		if c.digit == '<' && strings.Trim(c.data, "<") == "" {
			continue
		}
		want, err := CheckDigit(c.data)
		if err != nil {
			return err
		}
		if want != c.digit {
			return fmt.Errorf("%s check digit: expected %c, got %c", c.field, want, c.digit)
		}
	}
	return nil
}

// KeySeed derives the BAC key seed from the parsed fields.
func (m *MRZ) KeySeed() ([]byte, error) {
	return MRZKeySeed(m.DocumentNumber, m.BirthDate, m.ExpiryDate)
}

// Password derives the PACE MRZ password from the parsed fields.
func (m *MRZ) Password() ([]byte, error) {
	return MRZPassword(m.DocumentNumber, m.BirthDate, m.ExpiryDate)
}

// DocumentNumberWithCheck returns the raw document number field followed by
// its check digit, as used for static terminal authentication binding.
func (m *MRZ) DocumentNumberWithCheck() string {
	if m.Format == FormatTD1 {
		return m.Raw[5:15]
	}
	half := len(m.Raw) / 2
	return m.Raw[half : half+10]
}

func trimFiller(s string) string {
	return strings.TrimRight(s, "<")
}

func splitName(s string) (primary, secondary string) {
	s = strings.TrimRight(s, "<")
	parts := strings.SplitN(s, "<<", 2)
	primary = strings.ReplaceAll(parts[0], "<", " ")
	if len(parts) == 2 {
		secondary = strings.ReplaceAll(strings.TrimLeft(parts[1], "<"), "<", " ")
	}
	return primary, secondary
}
