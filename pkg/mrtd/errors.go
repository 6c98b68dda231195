package mrtd

import (
	"fmt"

	"github.com/pkg/errors"
)

// ISO 7816-4 status words seen on eMRTD chips
const (
	SWSuccess              = 0x9000 // Success
	SWEndOfFile            = 0x6282 // End of file reached before reading Le bytes
	SWVerificationFailed   = 0x6300 // Authentication / verification failed
	SWWrongLength          = 0x6700 // Wrong length
	SWSecurityNotSatisfied = 0x6982 // Security status not satisfied (SM or EAC missing)
	SWAuthMethodBlocked    = 0x6983 // Authentication method blocked
	SWConditionsNotMet     = 0x6985 // Conditions of use not satisfied
	SWSMObjectsMissing     = 0x6987 // Expected SM data objects missing
	SWSMObjectsIncorrect   = 0x6988 // SM data objects incorrect (MAC or counter)
	SWWrongData            = 0x6A80 // Incorrect parameters in data field
	SWFileNotFound         = 0x6A82 // File or application not found
	SWWrongP1P2            = 0x6A86 // Incorrect P1/P2
	SWReferenceNotFound    = 0x6A88 // Referenced data (key, certificate) not found
	SWWrongOffset          = 0x6B00 // Offset outside the EF
	SWWrongLe              = 0x6C00 // Wrong Le (mask: 0x6C00, correct Le in SW2)
	SWInsNotSupported      = 0x6D00 // INS not supported
	SWClaNotSupported      = 0x6E00 // CLA not supported
	SWRetryCounter         = 0x63C0 // PACE password retries left (mask: 0x63C0, counter in low nibble)
)

// Sentinel errors. Callers match them with errors.Is; every error returned by
// the package wraps one of these or an *SWError.
var (
	// ErrSMIntegrity means a secure messaging MAC or padding check failed.
	// The session must be discarded.
	ErrSMIntegrity = errors.New("secure messaging integrity check failed")
	// ErrAuthenticationTokenMismatch means the chip's PACE token did not verify.
	ErrAuthenticationTokenMismatch = errors.New("PACE authentication token mismatch")
	// ErrUnsupportedPACEParameters means EF.CardAccess offers no supported PACE suite.
	ErrUnsupportedPACEParameters = errors.New("unsupported PACE algorithm or parameters")
	// ErrUnsupportedChipAuthAlgorithm means DG14 offers no supported Chip Authentication suite.
	ErrUnsupportedChipAuthAlgorithm = errors.New("unsupported chip authentication algorithm")
	// ErrUnsupportedSignatureAlgorithm is returned for signatures other than RSA with SHA-1/SHA-256.
	ErrUnsupportedSignatureAlgorithm = errors.New("unsupported signature algorithm")
	// ErrUnsupportedDigestAlgorithm is returned when a DigestInfo prefix is not SHA-1/SHA-256.
	ErrUnsupportedDigestAlgorithm = errors.New("unsupported digest algorithm")
	// ErrInvalidPadding is returned for malformed ISO 7816 or PKCS#1 BT1 padding.
	ErrInvalidPadding = errors.New("invalid padding")
	// ErrChainResolution means no valid certificate path was found.
	ErrChainResolution = errors.New("certificate chain resolution failed")
	// ErrDigestMismatch means a hash did not match its signed value.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrSignatureInvalid means a signature did not verify.
	ErrSignatureInvalid = errors.New("signature verification failed")
	// ErrNotAuthenticated is returned when an operation needs an SM session.
	ErrNotAuthenticated = errors.New("no secure messaging session, run PACE or BAC first")
	// ErrChipAuthRequired is returned by Terminal Authentication before Chip Authentication.
	ErrChipAuthRequired = errors.New("chip authentication must precede terminal authentication")
	// ErrDataGroupNotRead is returned when a required data group has not been read.
	ErrDataGroupNotRead = errors.New("data group not read")
)

// SWError represents a status word error from the card.
type SWError struct {
	Cmd byte   // Command INS byte
	SW  uint16 // Status word
}

func (e *SWError) Error() string {
	return fmt.Sprintf("card command 0x%02X failed with SW=0x%04X (%s)", e.Cmd, e.SW, swDescription(e.SW))
}

// Is lets errors.Is match ErrSMIntegrity when the chip rejected the secure
// messaging objects of a command.
func (e *SWError) Is(target error) bool {
	return target == ErrSMIntegrity && (e.SW == SWSMObjectsMissing || e.SW == SWSMObjectsIncorrect)
}

// swDescription returns a human-readable description of a status word.
func swDescription(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWEndOfFile:
		return "end of file"
	case SWVerificationFailed:
		return "verification failed"
	case SWWrongLength:
		return "wrong length"
	case SWSecurityNotSatisfied:
		return "security status not satisfied"
	case SWAuthMethodBlocked:
		return "authentication method blocked"
	case SWConditionsNotMet:
		return "conditions of use not satisfied"
	case SWSMObjectsMissing:
		return "SM data objects missing"
	case SWSMObjectsIncorrect:
		return "SM data objects incorrect"
	case SWWrongData:
		return "incorrect data"
	case SWFileNotFound:
		return "file not found"
	case SWWrongP1P2:
		return "wrong P1/P2"
	case SWReferenceNotFound:
		return "referenced data not found"
	case SWWrongOffset:
		return "offset outside EF"
	case SWInsNotSupported:
		return "INS not supported"
	case SWClaNotSupported:
		return "CLA not supported"
	default:
		if (sw & 0xFF00) == SWWrongLe {
			return fmt.Sprintf("wrong Le (correct Le=%d)", sw&0xFF)
		}
		if (sw & 0xFFF0) == SWRetryCounter {
			return fmt.Sprintf("verification failed, %d tries left", sw&0x0F)
		}
		return "unknown error"
	}
}

// IsSecurityError checks if an error is a security status word (access
// conditions not met, SM objects wrong, or authentication blocked).
func IsSecurityError(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		switch swErr.SW {
		case SWSecurityNotSatisfied, SWAuthMethodBlocked, SWSMObjectsMissing, SWSMObjectsIncorrect, SWConditionsNotMet:
			return true
		}
	}
	return false
}

// IsFileNotFound checks if an error is a file-not-found status word.
func IsFileNotFound(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW == SWFileNotFound
	}
	return false
}

// AuthError represents a failure at a specific step of a key establishment
// or EAC protocol.
type AuthError struct {
	Protocol string // "PACE", "BAC", "CA" or "TA"
	Step     string // e.g. "MSE:SetAT", "GA2", "MUTUAL AUTHENTICATE"
	Cause    error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	return fmt.Sprintf("%s %s failed: %v", e.Protocol, e.Step, e.Cause)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ClassifyAuthError extracts protocol and step from an AuthError.
func ClassifyAuthError(err error) (protocol, step string, ok bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Protocol, authErr.Step, true
	}
	return "", "", false
}
