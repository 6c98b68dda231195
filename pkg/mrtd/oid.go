package mrtd

import (
	"strconv"
	"strings"
)

// DER encoded object identifier bodies (no tag and length) from BSI TR-03110
// and ICAO 9303.
var (
	// id-PACE-DH-GM-3DES-CBC-CBC (0.4.0.127.0.7.2.2.4.1.1)
	OIDPACEDHGM3DES = []byte{0x04, 0x00, 0x7F, 0x00, 0x07, 0x02, 0x02, 0x04, 0x01, 0x01}
	// id-PACE (0.4.0.127.0.7.2.2.4)
	oidPACEPrefix = []byte{0x04, 0x00, 0x7F, 0x00, 0x07, 0x02, 0x02, 0x04}
	// id-CA-DH-3DES-CBC-CBC (0.4.0.127.0.7.2.2.3.1.1)
	OIDCADH3DES = []byte{0x04, 0x00, 0x7F, 0x00, 0x07, 0x02, 0x02, 0x03, 0x01, 0x01}
	// id-TA (0.4.0.127.0.7.2.2.2)
	OIDTA = []byte{0x04, 0x00, 0x7F, 0x00, 0x07, 0x02, 0x02, 0x02}
	// id-PK-DH (0.4.0.127.0.7.2.2.1.1)
	OIDPKDH = []byte{0x04, 0x00, 0x7F, 0x00, 0x07, 0x02, 0x02, 0x01, 0x01}
	// id-TA-RSA-v1-5-SHA-1 (0.4.0.127.0.7.2.2.2.1.1)
	OIDTARSASHA1 = []byte{0x04, 0x00, 0x7F, 0x00, 0x07, 0x02, 0x02, 0x02, 0x01, 0x01}
	// id-IS CHAT role (0.4.0.127.0.7.3.1.2.1)
	OIDRoleIS = []byte{0x04, 0x00, 0x7F, 0x00, 0x07, 0x03, 0x01, 0x02, 0x01}
	// dhpublicnumber (1.2.840.10046.2.1)
	oidDHPublicNumber = []byte{0x2A, 0x86, 0x48, 0xCE, 0x3E, 0x02, 0x01}

	// id-sha1 (1.3.14.3.2.26)
	oidSHA1 = []byte{0x2B, 0x0E, 0x03, 0x02, 0x1A}
	// id-sha256 (2.16.840.1.101.3.4.2.1)
	oidSHA256 = []byte{0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01}
	// rsaEncryption (1.2.840.113549.1.1.1)
	oidRSAEncryption = []byte{0x2A, 0x86, 0x48, 0x86, 0xF7, 0x0D, 0x01, 0x01, 0x01}
	// sha1WithRSAEncryption (1.2.840.113549.1.1.5)
	oidSHA1WithRSA = []byte{0x2A, 0x86, 0x48, 0x86, 0xF7, 0x0D, 0x01, 0x01, 0x05}
	// sha256WithRSAEncryption (1.2.840.113549.1.1.11)
	oidSHA256WithRSA = []byte{0x2A, 0x86, 0x48, 0x86, 0xF7, 0x0D, 0x01, 0x01, 0x0B}
	// id-signedData (1.2.840.113549.1.7.2)
	oidSignedData = []byte{0x2A, 0x86, 0x48, 0x86, 0xF7, 0x0D, 0x01, 0x07, 0x02}
	// id-contentType (1.2.840.113549.1.9.3)
	oidContentType = []byte{0x2A, 0x86, 0x48, 0x86, 0xF7, 0x0D, 0x01, 0x09, 0x03}
	// id-messageDigest (1.2.840.113549.1.9.4)
	oidMessageDigest = []byte{0x2A, 0x86, 0x48, 0x86, 0xF7, 0x0D, 0x01, 0x09, 0x04}
	// id-icao-mrtd-security-ldsSecurityObject (2.23.136.1.1.1)
	oidLDSSecurityObject = []byte{0x67, 0x81, 0x08, 0x01, 0x01, 0x01}
)

// FormatOID renders a DER OID body in dotted form. Malformed input is
// rendered as far as it decodes.
func FormatOID(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var parts []string
	first := int(body[0])
	if first >= 80 {
		parts = append(parts, "2", strconv.Itoa(first-80))
	} else {
		parts = append(parts, strconv.Itoa(first/40), strconv.Itoa(first%40))
	}
	v := uint64(0)
	for _, b := range body[1:] {
		v = v<<7 | uint64(b&0x7F)
		if b&0x80 == 0 {
			parts = append(parts, strconv.FormatUint(v, 10))
			v = 0
		}
	}
	return strings.Join(parts, ".")
}
