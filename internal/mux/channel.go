package mux

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"btlink/internal/codec"
)

// duplexChannel adapts any io.ReadWriteCloser (e.g. the os.File wrapping an
// accepted RFCOMM FD) to Channel, with record framing delegated to a codec.
type duplexChannel struct {
	rwc io.ReadWriteCloser
	br  *bufio.Reader
	dec codec.Decoder
	enc codec.Encoder

	closeOnce sync.Once
	closeErr  error
}

// NewChannel wraps rwc as a Channel using c for record framing. A nil codec
// defaults to JSON. The channel owns rwc and closes it with Close.
func NewChannel(rwc io.ReadWriteCloser, c codec.Codec) Channel {
	if c == nil {
		c = codec.JSONCodec{}
	}
	br := bufio.NewReader(rwc)
	return &duplexChannel{
		rwc: rwc,
		br:  br,
		dec: c.Decoder(br),
		enc: c.Encoder(rwc),
	}
}

func (d *duplexChannel) ReadByte() (byte, error) {
	return d.br.ReadByte()
}

func (d *duplexChannel) ReadRecord() (Record, error) {
	var rec Record
	if err := d.dec.Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *duplexChannel) WriteBytes(p []byte) error {
	n, err := d.rwc.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("mux: short write (%d of %d bytes)", n, len(p))
	}
	return nil
}

func (d *duplexChannel) WriteRecord(v any) error {
	return d.enc.Encode(v)
}

func (d *duplexChannel) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.rwc.Close()
	})
	return d.closeErr
}
