package mrtd

import (
	"log/slog"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
)

// Connection wraps a PC/SC connection to a contactless reader.
type Connection struct {
	ctx       *scard.Context
	Card      *scard.Card
	Reader    string
	ReaderIdx int
}

// ListReaders returns the names of the attached PC/SC readers.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "EstablishContext failed")
	}
	defer ctx.Release()
	return ctx.ListReaders()
}

// Connect opens the reader at readerIndex (0-based) and connects to the
// document on it.
func Connect(readerIndex int) (*Connection, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "EstablishContext failed")
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, errors.Errorf("no readers found: %v", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, errors.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}

	reader := readers[readerIndex]
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, errors.Wrap(err, "connect failed")
	}
	slog.Debug("connected", "reader", reader)

	return &Connection{
		ctx:       ctx,
		Card:      card,
		Reader:    reader,
		ReaderIdx: readerIndex,
	}, nil
}

// Close disconnects the card and releases the PC/SC context.
func (c *Connection) Close() {
	if c == nil {
		return
	}
	if c.Card != nil {
		_ = c.Card.Disconnect(scard.LeaveCard)
	}
	if c.ctx != nil {
		_ = c.ctx.Release()
	}
}

// Transmit sends a raw APDU (implements Card).
func (c *Connection) Transmit(apdu []byte) ([]byte, error) {
	if c == nil || c.Card == nil {
		return nil, errors.New("connection not established")
	}
	slog.Debug("apdu", "cmd", hexU(apdu))
	resp, err := c.Card.Transmit(apdu)
	if err != nil {
		return nil, err
	}
	slog.Debug("apdu", "resp", hexU(resp))
	return resp, nil
}
