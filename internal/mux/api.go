// Package mux turns one duplex, stream-oriented byte channel (an RFCOMM
// socket, typically) into three independently shareable streams: raw bytes,
// delimiter-segmented text, and structured records. Each stream is backed by
// at most one read loop per Mux instance, started lazily on first
// subscription; later subscribers attach to the live fan-out and never cause
// a second read of the channel.
//
// Thread-safety: all Mux methods are safe for concurrent use. Sends are
// serialized against each other (no interleaved partial writes) but never
// against reads. A Mux is bound to its Channel for life: once dead it is
// never revived, and a fresh Channel needs a fresh Mux.
package mux

import (
	"errors"
)

// ErrClosed is the terminal signal subscribers observe when the channel was
// closed, locally or by the peer hanging up. Any other read or write failure
// propagates as-is.
var ErrClosed = errors.New("mux: channel closed")

// Record is one structured message as decoded off the wire. The application
// schema is not this package's business; callers bind Records to their own
// types (mapstructure works well).
type Record map[string]any

// Channel is the duplex byte channel a Mux multiplexes. Implementations must
// support one concurrent reader and one concurrent writer; reads and writes
// must not block each other.
//
// ReadByte and ReadRecord consume from the same underlying stream. A given
// channel should be consumed either byte-wise (byte/text streams) or
// record-wise, not both at once: record decoding needs channel-level framing
// and may buffer ahead of any byte reader.
type Channel interface {
	// ReadByte blocks until one byte is available, the channel is closed,
	// or the transport fails.
	ReadByte() (byte, error)

	// ReadRecord blocks until one whole record has been decoded.
	ReadRecord() (Record, error)

	// WriteBytes writes p in one call. A short write is an error.
	WriteBytes(p []byte) error

	// WriteRecord encodes v and writes it as one record.
	WriteRecord(v any) error

	// Close releases the channel. Idempotent; a blocked read must return
	// promptly with an error after Close.
	Close() error
}
