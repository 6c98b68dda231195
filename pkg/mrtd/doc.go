/*
Package mrtd reads ICAO 9303 electronic travel and identity documents.

It covers the protocols an inspection system runs against the chip:
  - Basic Access Control and PACE (generic mapping, DH parameter set 2, 3DES)
  - 3DES secure messaging with retail MAC and send sequence counter
  - Chip Authentication (DH) and Terminal Authentication (RSA v1.5 SHA-1)
  - Card verifiable and X.509 certificate path resolution
  - Passive Authentication of the data groups against EF.SOD
  - PC/SC card connection wrapper

# Session Order

	PACE or BAC  ->  secure messaging
	ReadDataGroups  (EF.COM, DG1..DG16 except DG3, EF.SOD, EF.CVCA)
	ChipAuthenticate  (re-keys secure messaging, SSC = 0)
	TerminalAuthenticate  (unlocks DG3)
	VerifySOD

Reader runs these steps in order over a Card. Every step can also be called
directly with a Session.

# File Map

Files are read with READ BINARY by short file identifier:

	SFI 0x01..0x10  DG1..DG16   (EF.COM tags 61 75 63 76 65..70)
	SFI 0x1C        EF.CVCA     (trust point names, tag 42)
	SFI 0x1D        EF.SOD      (tag 77, CMS SignedData)
	SFI 0x1E        EF.COM      (tag 60)

EF.CardAccess (FID 011C) is read in plain mode before PACE.

# Secure Messaging

Commands carry 87 (01 || encrypted data) or 85 for odd instructions, 97 for
Le and 8E for the MAC. Responses carry 87/85, 99 and 8E. A command MAC
covers the padded SSC || header followed by the data objects, a response MAC
covers SSC || data objects. The SSC is incremented before each command and
again before each response check.
*/
package mrtd
