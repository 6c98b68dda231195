// Package signer provides Terminal Authentication signers backed by a PEM
// key file or a PKCS#11 token.
package signer

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/miekg/pkcs11"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

// LoadKeyFile reads an RSA private key in PKCS#1 or PKCS#8 PEM form.
func LoadKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s: expected an RSA key, got %T", path, k)
		}
		return rk, nil
	}
	return nil, fmt.Errorf("%s: unsupported PEM block %q", path, block.Type)
}

// NewFileSigner returns a signer over the key stored at path.
func NewFileSigner(path string) (mrtd.Signer, error) {
	key, err := LoadKeyFile(path)
	if err != nil {
		return nil, err
	}
	return mrtd.RSASigner{Key: key}, nil
}

// PKCS11Config locates the inspection system key on a token.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string // empty selects the first token
	KeyLabel   string
	KeyID      string // hex CKA_ID
	PIN        string
}

// PKCS11Signer signs with CKM_SHA1_RSA_PKCS on a token key. Close must be
// called when done.
type PKCS11Signer struct {
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	key     pkcs11.ObjectHandle
	size    int
}

// OpenPKCS11 loads the module, logs in and finds the private key.
func OpenPKCS11(cfg PKCS11Config) (*PKCS11Signer, error) {
	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module: %s", cfg.ModulePath)
	}
	if err := ctx.Initialize(); err != nil {
		if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
			ctx.Destroy()
			return nil, fmt.Errorf("failed to initialize: %w", err)
		}
	}
	s := &PKCS11Signer{ctx: ctx}
	if err := s.open(cfg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *PKCS11Signer) open(cfg PKCS11Config) error {
	slot, err := findSlot(s.ctx, cfg.TokenLabel)
	if err != nil {
		return err
	}
	if s.session, err = s.ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION); err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	if cfg.PIN != "" {
		if err := s.ctx.Login(s.session, pkcs11.CKU_USER, cfg.PIN); err != nil {
			if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_USER_ALREADY_LOGGED_IN {
				return fmt.Errorf("failed to login: %w", err)
			}
		}
	}
	if s.key, err = findPrivateKey(s.ctx, s.session, cfg); err != nil {
		return err
	}
	attrs, err := s.ctx.GetAttributeValue(s.session, s.key, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
	})
	if err != nil {
		return fmt.Errorf("failed to get RSA modulus: %w", err)
	}
	mod := attrs[0].Value
	for len(mod) > 0 && mod[0] == 0 {
		mod = mod[1:]
	}
	s.size = len(mod)
	return nil
}

func findSlot(ctx *pkcs11.Ctx, label string) (uint, error) {
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("failed to get slot list: %w", err)
	}
	if len(slots) == 0 {
		return 0, fmt.Errorf("no slots with tokens found")
	}
	if label == "" {
		return slots[0], nil
	}
	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if info.Label == label {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("token with label %q not found", label)
}

func findPrivateKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, cfg PKCS11Config) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
	}
	if cfg.KeyLabel != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, cfg.KeyLabel))
	}
	if cfg.KeyID != "" {
		id, err := hex.DecodeString(cfg.KeyID)
		if err != nil {
			return 0, fmt.Errorf("invalid key_id hex: %w", err)
		}
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}

	if err := ctx.FindObjectsInit(session, template); err != nil {
		return 0, fmt.Errorf("failed to init find objects: %w", err)
	}
	defer func() { _ = ctx.FindObjectsFinal(session) }()

	objs, _, err := ctx.FindObjects(session, 2)
	if err != nil {
		return 0, fmt.Errorf("failed to find objects: %w", err)
	}
	switch len(objs) {
	case 0:
		return 0, fmt.Errorf("private key not found")
	case 1:
		return objs[0], nil
	}
	return 0, fmt.Errorf("multiple keys found, please specify both key_label and key_id")
}

// Sign hashes and signs toSign on the token.
func (s *PKCS11Signer) Sign(toSign []byte) ([]byte, error) {
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_SHA1_RSA_PKCS, nil)}
	if err := s.ctx.SignInit(s.session, mech, s.key); err != nil {
		return nil, fmt.Errorf("sign init: %w", err)
	}
	sig, err := s.ctx.Sign(s.session, toSign)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// SignatureSize is the modulus length in bytes.
func (s *PKCS11Signer) SignatureSize() int { return s.size }

// Close logs out and unloads the module.
func (s *PKCS11Signer) Close() {
	if s.ctx == nil {
		return
	}
	if s.session != 0 {
		_ = s.ctx.Logout(s.session)
		_ = s.ctx.CloseSession(s.session)
	}
	_ = s.ctx.Finalize()
	s.ctx.Destroy()
	s.ctx = nil
}
