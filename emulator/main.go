package main

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/barnettlynn/mrtdtools/pkg/chipsim"
	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

func main() {
	var (
		mrzFlag   = flag.String("mrz", chipsim.SpecimenMRZ, "MRZ of the synthetic document (TD1, TD2 or TD3)")
		can       = flag.String("can", "123456", "Card access number")
		hashName  = flag.String("hash", "sha256", "EF.SOD digest: sha1 or sha256")
		outDir    = flag.String("out", "", "Write the document files, certificates and keys to this directory")
		verify    = flag.Bool("verify", false, "Run a full inspection against the simulated chip")
		useBAC    = flag.Bool("bac", false, "Use BAC instead of PACE for -verify")
		verbose   = flag.Bool("v", false, "Enable debug logging")
		logFormat = flag.String("log-format", "text", "Log format: text or json")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	var h crypto.Hash
	switch strings.ToLower(*hashName) {
	case "sha1":
		h = crypto.SHA1
	case "sha256":
		h = crypto.SHA256
	default:
		fmt.Fprintf(os.Stderr, "Error: -hash must be sha1 or sha256, got %q\n", *hashName)
		os.Exit(1)
	}

	slog.Debug("Building document", "mrz", *mrzFlag, "hash", h)
	doc, err := chipsim.NewDocument(chipsim.Options{MRZ: *mrzFlag, CAN: *can, Hash: h})
	if err != nil {
		log.Fatalf("build document failed: %v", err)
	}
	term, err := doc.IssueTerminal(doc.MRZ.IssuingState+"DV00001", doc.MRZ.IssuingState+"IS00001")
	if err != nil {
		log.Fatalf("issue terminal failed: %v", err)
	}

	fmt.Printf("Document: %s\n", doc.MRZ.DocumentNumber)
	fmt.Printf("Holder:   %s %s\n", doc.MRZ.SecondaryName, doc.MRZ.PrimaryName)
	fmt.Printf("CAN:      %s\n", doc.CAN)
	fmt.Printf("Files:    %v\n", doc.Files.List())
	fmt.Printf("CVCA:     %s\n", doc.CVCA)
	fmt.Printf("DV:       %s\n", term.DV)
	fmt.Printf("IS:       %s\n", term.IS)

	if *outDir != "" {
		if err := writeDocument(*outDir, doc, term); err != nil {
			log.Fatalf("write document failed: %v", err)
		}
		fmt.Printf("Output:   %s\n", *outDir)
	}

	if *verify {
		if err := inspect(doc, term, *useBAC); err != nil {
			fmt.Printf("Verify:   FAILED\n")
			log.Fatalf("inspection failed: %v", err)
		}
		fmt.Printf("Verify:   OK\n")
	}
}

// inspect runs the same sequence as a reader against a real document.
func inspect(doc *chipsim.Document, term *chipsim.Terminal, useBAC bool) error {
	chip := chipsim.New(doc, nil)
	r := mrtd.NewReader(chip, mrtd.WithProgress(func(msg string) {
		slog.Info("Inspection", "step", msg)
	}))

	binding := mrtd.BindingDynamic
	if useBAC {
		binding = mrtd.BindingStatic
		seed, err := doc.MRZ.KeySeed()
		if err != nil {
			return err
		}
		if err := r.EstablishBAC(seed); err != nil {
			return err
		}
	} else {
		pw, err := mrtd.CANPassword(doc.CAN)
		if err != nil {
			return err
		}
		if err := r.EstablishPACE(pw, mrtd.PasswordCAN); err != nil {
			return err
		}
	}
	if err := r.ReadDataGroups(); err != nil {
		return err
	}
	if err := r.ChipAuthenticate(); err != nil {
		return err
	}
	if err := r.TerminalAuthenticate(term.Chain(), term.IS, term.Signer(), binding); err != nil {
		return err
	}
	sod, err := r.VerifySOD([]*x509.Certificate{doc.CSCA}, true)
	if err != nil {
		return err
	}
	slog.Info("Passive authentication", "hash", sod.HashAlgorithm, "dataGroups", len(sod.DataGroupHashes))
	if !chip.Authenticated() {
		return fmt.Errorf("chip did not record terminal authentication")
	}
	return nil
}

func writeDocument(dir string, doc *chipsim.Document, term *chipsim.Terminal) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, dg := range doc.Files.List() {
		data, _ := doc.Files.Get(dg)
		if err := writeFile(dir, dg.String()+".bin", data); err != nil {
			return err
		}
	}
	if err := writeFile(dir, "EF.CardAccess.bin", doc.CardAccess); err != nil {
		return err
	}

	certDir := filepath.Join(dir, "cvcerts")
	if err := os.MkdirAll(certDir, 0o755); err != nil {
		return err
	}
	for _, c := range []*mrtd.CVCert{doc.CVCA, term.DV, term.IS} {
		if err := writeFile(certDir, c.Name+".cvcert", c.Raw); err != nil {
			return err
		}
	}

	for name, der := range map[string][]byte{"csca.pem": doc.CSCA.Raw, "ds.pem": doc.DS.Raw} {
		if err := writeFile(dir, name, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})); err != nil {
			return err
		}
	}
	key := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(term.ISKey)})
	return os.WriteFile(filepath.Join(dir, "is_key.pem"), key, 0o600)
}

func writeFile(dir, name string, data []byte) error {
	path := filepath.Join(dir, name)
	slog.Debug("Writing file", "path", path, "bytes", len(data))
	return os.WriteFile(path, data, 0o644)
}
