package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

// dumpFiles lists every file a dump may hold, in reading order.
var dumpFiles = []mrtd.DG{
	mrtd.EFCOM,
	mrtd.DG1, mrtd.DG2, mrtd.DG3, mrtd.DG4, mrtd.DG5, mrtd.DG6, mrtd.DG7, mrtd.DG8,
	mrtd.DG9, mrtd.DG10, mrtd.DG11, mrtd.DG12, mrtd.DG13, mrtd.DG14, mrtd.DG15, mrtd.DG16,
	mrtd.EFSOD, mrtd.EFCVCA,
}

func dumpName(dg mrtd.DG) string { return dg.String() + ".bin" }

func writeDump(dir string, dgs *mrtd.DataGroups) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, dg := range dgs.List() {
		data, _ := dgs.Get(dg)
		path := filepath.Join(dir, dumpName(dg))
		slog.Debug("Writing file", "path", path, "bytes", len(data))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// readDump loads the files present in dir. Missing files are skipped.
func readDump(dir string) (*mrtd.DataGroups, error) {
	dgs := mrtd.NewDataGroups()
	for _, dg := range dumpFiles {
		data, err := os.ReadFile(filepath.Join(dir, dumpName(dg)))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		dgs.Set(dg, data)
	}
	if !dgs.Has(mrtd.EFSOD) {
		return nil, fmt.Errorf("%s: no %s", dir, dumpName(mrtd.EFSOD))
	}
	return dgs, nil
}

// loadCertDir reads X.509 certificates from PEM or DER files in dir.
// Files holding no certificate are skipped.
func loadCertDir(dir string) ([]*x509.Certificate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		found := parseCerts(data)
		if len(found) == 0 {
			slog.Debug("Skipping file without certificates", "file", e.Name())
		}
		certs = append(certs, found...)
	}
	return certs, nil
}

func parseCerts(data []byte) []*x509.Certificate {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if c, err := x509.ParseCertificate(block.Bytes); err == nil {
			certs = append(certs, c)
		}
	}
	if len(certs) == 0 {
		if c, err := x509.ParseCertificate(data); err == nil {
			certs = append(certs, c)
		}
	}
	return certs
}

func printDocument(w io.Writer, dgs *mrtd.DataGroups) {
	if dg1, ok := dgs.Get(mrtd.DG1); ok {
		if mrz, err := mrtd.ParseDG1(dg1); err != nil {
			fmt.Fprintf(w, "DG1:        %v\n", err)
		} else {
			fmt.Fprintf(w, "Document:   %s %s (%s)\n", mrz.DocumentCode, mrz.DocumentNumber, mrz.IssuingState)
			fmt.Fprintf(w, "Holder:     %s %s\n", mrz.SecondaryName, mrz.PrimaryName)
			fmt.Fprintf(w, "Birth:      %s\n", mrz.BirthDate)
			fmt.Fprintf(w, "Expiry:     %s\n", mrz.ExpiryDate)
		}
	}
	dg11, _ := dgs.Get(mrtd.DG11)
	dg12, _ := dgs.Get(mrtd.DG12)
	if len(dg11) > 0 || len(dg12) > 0 {
		if p, err := mrtd.ParsePersonalData(dg11, dg12); err != nil {
			fmt.Fprintf(w, "DG11/DG12:  %v\n", err)
		} else {
			if p.PlaceOfBirth != "" {
				fmt.Fprintf(w, "Born in:    %s\n", p.PlaceOfBirth)
			}
			if len(p.Address) > 0 {
				fmt.Fprintf(w, "Address:    %s\n", strings.Join(p.Address, ", "))
			}
			if p.IssueDate != "" {
				fmt.Fprintf(w, "Issued:     %s\n", p.IssueDate)
			}
		}
	}
	if dg2, ok := dgs.Get(mrtd.DG2); ok {
		if img, err := mrtd.Portrait(dg2); err == nil {
			fmt.Fprintf(w, "Portrait:   %d bytes JPEG 2000\n", len(img))
		}
	}
	fmt.Fprintf(w, "Files:      %v\n", dgs.List())
}

func printSOD(w io.Writer, sod *mrtd.SOD, chain []*x509.Certificate) {
	fmt.Fprintf(w, "EF.SOD:     %v over %d data groups, signature valid\n", sod.HashAlgorithm, len(sod.DataGroupHashes))
	fmt.Fprintf(w, "Signer:     %s\n", sod.Certificate.Subject)
	for i, c := range chain {
		fmt.Fprintf(w, "Chain[%d]:   %s\n", i, c.Subject)
	}
}
