package chipsim

import (
	"bytes"
	"crypto/x509"
	"testing"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

func TestNewDocumentIsConsistent(t *testing.T) {
	doc, err := NewDocument(Options{})
	if err != nil {
		t.Fatalf("NewDocument: %v", err)
	}

	raw, _ := doc.Files.Get(mrtd.EFCOM)
	com, err := mrtd.ParseCOM(raw)
	if err != nil {
		t.Fatalf("ParseCOM: %v", err)
	}
	for _, dg := range com.DataGroups() {
		if !doc.Files.Has(dg) {
			t.Fatalf("EF.COM lists %s but the document lacks it", dg)
		}
	}

	sod, _ := doc.Files.Get(mrtd.EFSOD)
	if _, err := mrtd.VerifySOD(sod, doc.Files, []*x509.Certificate{doc.CSCA}, true); err != nil {
		t.Fatalf("VerifySOD: %v", err)
	}

	dg14, _ := doc.Files.Get(mrtd.DG14)
	info, err := mrtd.ParseChipAuthInfo(dg14)
	if err != nil {
		t.Fatalf("ParseChipAuthInfo: %v", err)
	}
	if !bytes.Equal(info.PublicKey, doc.ChipKey.Public) {
		t.Fatalf("expected DG14 to carry the chip public key")
	}

	cvca, _ := doc.Files.Get(mrtd.EFCVCA)
	if name, err := mrtd.ParseCVCAName(cvca); err != nil || name != doc.CVCA.Name {
		t.Fatalf("expected EF.CVCA %s, got %q (%v)", doc.CVCA.Name, name, err)
	}

	infos, err := mrtd.ParseCardAccess(doc.CardAccess)
	if err != nil {
		t.Fatalf("ParseCardAccess: %v", err)
	}
	if _, err := mrtd.SupportedPACEInfo(infos); err != nil {
		t.Fatalf("SupportedPACEInfo: %v", err)
	}
}

func TestChipRequiresSecureMessaging(t *testing.T) {
	doc, err := NewDocument(Options{})
	if err != nil {
		t.Fatalf("NewDocument: %v", err)
	}
	chip := New(doc, nil)

	resp, err := chip.Transmit([]byte{0x00, 0xB0, 0x81, 0x00, 0x06})
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x69, 0x82}) {
		t.Fatalf("expected 6982 for a plain DG1 read, got %X", resp)
	}

	resp, _ = chip.Transmit([]byte{0x0C, 0xB0, 0x81, 0x00, 0x00})
	if !bytes.Equal(resp, []byte{0x69, 0x87}) {
		t.Fatalf("expected 6987 without a session, got %X", resp)
	}
}

func TestTerminalChain(t *testing.T) {
	doc, err := NewDocument(Options{})
	if err != nil {
		t.Fatalf("NewDocument: %v", err)
	}
	term, err := doc.IssueTerminal("UTDV000001", "UTIS000001")
	if err != nil {
		t.Fatalf("IssueTerminal: %v", err)
	}
	path := mrtd.NewCVChain(doc.CVCA, term.DV, term.IS).Resolve("", term.IS)
	if len(path) != 3 || path[0] != doc.CVCA || path[2] != term.IS {
		t.Fatalf("expected [CVCA DV IS], got %v", path)
	}
	if term.Signer().SignatureSize() != doc.CVCAKey.Size() {
		t.Fatalf("expected %d byte signatures, got %d", doc.CVCAKey.Size(), term.Signer().SignatureSize())
	}
}
