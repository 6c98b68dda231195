package mrtd

import (
	"crypto/rand"
	"crypto/x509"
	"io"
	"log/slog"

	"github.com/pkg/errors"
)

// Reader drives a complete inspection of one document: key establishment,
// data group reads, Chip and Terminal Authentication, and SOD verification.
// A Reader is not safe for concurrent use. After a failed exchange the
// session is unusable and a new Reader must be built.
type Reader struct {
	card     Card
	rand     io.Reader
	progress func(string)

	sess *Session
	pace *PACEResult
	ca   *ChipAuthResult
	com  *COM
	dgs  *DataGroups
}

// Option configures a Reader.
type Option func(*Reader)

// WithProgress installs a sink for human readable progress messages.
func WithProgress(fn func(string)) Option {
	return func(r *Reader) { r.progress = fn }
}

// WithRand replaces crypto/rand as the source of challenges and ephemeral
// keys.
func WithRand(rnd io.Reader) Option {
	return func(r *Reader) { r.rand = rnd }
}

// NewReader returns a Reader talking to card.
func NewReader(card Card, opts ...Option) *Reader {
	r := &Reader{card: card, rand: rand.Reader, dgs: NewDataGroups()}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Reader) step(msg string) {
	slog.Debug(msg)
	if r.progress != nil {
		r.progress(msg)
	}
}

// Session returns the current secure messaging session, or nil.
func (r *Reader) Session() *Session { return r.sess }

// PACE returns the PACE result, or nil when PACE was not run.
func (r *Reader) PACE() *PACEResult { return r.pace }

// COM returns the parsed EF.COM, or nil before ReadDataGroups.
func (r *Reader) COM() *COM { return r.com }

// DataGroups returns the store of files read so far.
func (r *Reader) DataGroups() *DataGroups { return r.dgs }

// IsPACESupported reads EF.CardAccess and reports whether it offers the
// supported PACE suite. A missing EF.CardAccess means no PACE.
func (r *Reader) IsPACESupported() (bool, error) {
	infos, err := r.cardAccess()
	if err != nil {
		if IsFileNotFound(err) {
			return false, nil
		}
		return false, err
	}
	_, err = SupportedPACEInfo(infos)
	return err == nil, nil
}

func (r *Reader) cardAccess() ([]PACEInfo, error) {
	data, err := ReadCardAccess(r.card)
	if err != nil {
		return nil, err
	}
	return ParseCardAccess(data)
}

// EstablishPACE runs PACE with a CAN or MRZ derived password.
func (r *Reader) EstablishPACE(password []byte, mode byte) error {
	r.step("reading EF.CardAccess")
	infos, err := r.cardAccess()
	if err != nil {
		return errors.Wrap(err, "EF.CardAccess")
	}
	info, err := SupportedPACEInfo(infos)
	if err != nil {
		return err
	}
	r.step("establishing PACE")
	res, err := PACE(r.card, password, mode, info, r.rand)
	if err != nil {
		return err
	}
	r.sess, r.pace, r.ca = res.Session, res, nil
	return nil
}

// EstablishBAC runs Basic Access Control with an MRZ key seed.
func (r *Reader) EstablishBAC(seed []byte) error {
	r.step("establishing BAC")
	sess, err := BAC(r.card, seed, r.rand)
	if err != nil {
		return err
	}
	r.sess, r.pace, r.ca = sess, nil, nil
	return nil
}

// ReadDataGroup reads one file over secure messaging and stores it.
func (r *Reader) ReadDataGroup(dg DG) ([]byte, error) {
	r.step("reading " + dg.String())
	data, err := ReadFile(r.card, r.sess, dg)
	if err != nil {
		return nil, err
	}
	r.dgs.Set(dg, data)
	return data, nil
}

func (r *Reader) ensure(dg DG) ([]byte, error) {
	if data, ok := r.dgs.Get(dg); ok {
		return data, nil
	}
	return r.ReadDataGroup(dg)
}

// ReadDataGroups reads EF.COM and every data group it lists except DG3,
// then EF.SOD and EF.CVCA. A missing EF.CVCA is not an error.
func (r *Reader) ReadDataGroups() error {
	raw, err := r.ensure(EFCOM)
	if err != nil {
		return err
	}
	com, err := ParseCOM(raw)
	if err != nil {
		return err
	}
	r.com = com
	for _, dg := range com.DataGroups() {
		if dg == DG3 {
			continue
		}
		if _, err := r.ensure(dg); err != nil {
			return err
		}
	}
	if _, err := r.ensure(EFSOD); err != nil {
		return err
	}
	if _, err := r.ensure(EFCVCA); err != nil {
		if !IsFileNotFound(err) {
			return err
		}
		slog.Debug("no EF.CVCA on the chip")
	}
	return nil
}

// ChipAuthenticate runs Chip Authentication with the key from DG14 and
// replaces the session.
func (r *Reader) ChipAuthenticate() error {
	if r.sess == nil {
		return caErr("preconditions", ErrNotAuthenticated)
	}
	dg14, err := r.ensure(DG14)
	if err != nil {
		return err
	}
	info, err := ParseChipAuthInfo(dg14)
	if err != nil {
		return err
	}
	r.step("chip authentication")
	res, err := ChipAuthenticate(r.card, r.sess, info, r.rand)
	if err != nil {
		return err
	}
	r.sess, r.ca = res.Session, res
	return nil
}

// TerminalAuthenticate runs Terminal Authentication with the inspection
// system certificate is, then reads DG3 when EF.COM lists it.
func (r *Reader) TerminalAuthenticate(chain *CVChain, is *CVCert, signer Signer, binding Binding) error {
	if r.ca == nil {
		return taErr("preconditions", ErrChipAuthRequired)
	}
	cvca, err := r.ensure(EFCVCA)
	if err != nil {
		return err
	}
	name, err := ParseCVCAName(cvca)
	if err != nil {
		return err
	}
	p := TAParams{
		Chain:    chain,
		IS:       is,
		Signer:   signer,
		Binding:  binding,
		CVCAName: name,
		CA:       r.ca,
	}
	switch binding {
	case BindingStatic:
		dg1, err := r.ensure(DG1)
		if err != nil {
			return err
		}
		mrz, err := ParseDG1(dg1)
		if err != nil {
			return err
		}
		p.DocumentNumber = mrz.DocumentNumberWithCheck()
	case BindingDynamic:
		if r.pace == nil {
			return taErr("binding", errors.New("dynamic binding requires PACE"))
		}
		p.ChipPublic = r.pace.ChipPublic
	}

	r.step("terminal authentication")
	if err := TerminalAuthenticate(r.card, r.sess, p); err != nil {
		return err
	}
	if r.com == nil {
		raw, err := r.ensure(EFCOM)
		if err != nil {
			return err
		}
		if r.com, err = ParseCOM(raw); err != nil {
			return err
		}
	}
	if r.com.Has(DG3) {
		if _, err := r.ReadDataGroup(DG3); err != nil {
			return err
		}
	}
	return nil
}

// VerifySOD runs passive authentication over the files read so far.
// trusted may be empty to skip the CSCA chain.
func (r *Reader) VerifySOD(trusted []*x509.Certificate, strict bool) (*SOD, error) {
	raw, ok := r.dgs.Get(EFSOD)
	if !ok {
		return nil, errors.Wrap(ErrDataGroupNotRead, EFSOD.String())
	}
	r.step("verifying EF.SOD")
	return VerifySOD(raw, r.dgs, trusted, strict)
}
