package mux

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"btlink/internal/signal"
)

// DefaultDelimiters segments text on CR or LF when Text is called without an
// explicit delimiter set.
var DefaultDelimiters = []byte{'\r', '\n'}

// Mux multiplexes one Channel. See the package comment for the sharing and
// lifetime rules.
type Mux struct {
	ch  Channel
	log *zap.Logger

	// writeMu serializes writers only; readers never take it.
	writeMu sync.Mutex

	mu         sync.Mutex
	dead       bool
	byteCast   *signal.Broadcast[byte]
	textCast   *signal.Broadcast[string]
	textDelims []byte
	recCast    *signal.Broadcast[Record]
}

// New wraps ch. The Mux owns ch and closes it when any stream fails or
// Close is called. logger may be nil.
func New(ch Channel, logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mux{ch: ch, log: logger}
}

// Bytes subscribes to the raw byte stream. The first call starts the single
// byte read loop; every call returns an independent subscription to the same
// live stream. On a dead Mux the subscription terminates immediately.
func (m *Mux) Bytes() *signal.Sub[byte] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesLocked()
}

func (m *Mux) bytesLocked() *signal.Sub[byte] {
	if m.byteCast == nil {
		m.byteCast = signal.NewBroadcast[byte]()
		if m.dead {
			m.byteCast.Fail(ErrClosed)
		} else {
			go m.readBytes(m.byteCast)
		}
	}
	return m.byteCast.Subscribe()
}

// Text subscribes to the delimiter-segmented text stream derived from the
// byte stream. Each delimiter byte is an independent boundary: two adjacent
// delimiters yield one empty segment between them, and a delimiter arriving
// on an empty buffer yields an empty segment. A non-empty pending buffer is
// flushed as a final segment before the terminal signal.
//
// The delimiter set is fixed by the first Text call on this Mux (CR and LF
// when none are given); later calls share the existing stream and ignore
// their arguments.
func (m *Mux) Text(delims ...byte) *signal.Sub[string] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.textCast == nil {
		if len(delims) == 0 {
			delims = DefaultDelimiters
		}
		m.textDelims = append([]byte(nil), delims...)
		m.textCast = signal.NewBroadcast[string]()
		go segmentText(m.bytesLocked(), m.textCast, m.textDelims)
	}
	return m.textCast.Subscribe()
}

// Records subscribes to the structured record stream. Records are decoded
// directly off the channel's record framing, not derived from the byte
// stream. Same single-loop fan-out rules as Bytes.
func (m *Mux) Records() *signal.Sub[Record] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recCast == nil {
		m.recCast = signal.NewBroadcast[Record]()
		if m.dead {
			m.recCast.Fail(ErrClosed)
		} else {
			go m.readRecords(m.recCast)
		}
	}
	return m.recCast.Subscribe()
}

// SendBytes writes p to the channel. It reports false, without failing
// elsewhere, when the Mux is already dead; a transport error during the
// write also reports false and kills the Mux.
func (m *Mux) SendBytes(p []byte) bool {
	return m.send(func(ch Channel) error { return ch.WriteBytes(p) })
}

// SendText writes the text's bytes. Delimiters are the caller's concern.
func (m *Mux) SendText(s string) bool {
	return m.send(func(ch Channel) error { return ch.WriteBytes([]byte(s)) })
}

// SendRecord encodes v and writes it as one record.
func (m *Mux) SendRecord(v any) bool {
	return m.send(func(ch Channel) error { return ch.WriteRecord(v) })
}

func (m *Mux) send(write func(Channel) error) bool {
	m.mu.Lock()
	if m.dead {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	m.writeMu.Lock()
	err := write(m.ch)
	m.writeMu.Unlock()

	if err != nil {
		m.log.Debug("mux: write failed", zap.Error(err))
		m.fail(classify(err))
		return false
	}
	return true
}

// Dead reports whether the Mux has been closed or has failed.
func (m *Mux) Dead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dead
}

// Close tears the Mux down: every stream observes its terminal signal, the
// channel is closed (unblocking any in-flight read), and any error raised
// while closing is swallowed. Idempotent.
func (m *Mux) Close() {
	m.fail(ErrClosed)
}

// fail marks the Mux dead exactly once, terminates the byte and record
// fan-outs with err, and closes the channel. The text fan-out is not
// terminated here: it ends through its byte-stream source so the pending
// segment buffer gets flushed first.
func (m *Mux) fail(err error) {
	m.mu.Lock()
	if m.dead {
		m.mu.Unlock()
		return
	}
	m.dead = true
	bc, rc := m.byteCast, m.recCast
	m.mu.Unlock()

	if bc != nil {
		bc.Fail(err)
	}
	if rc != nil {
		rc.Fail(err)
	}
	if cerr := m.ch.Close(); cerr != nil {
		m.log.Debug("mux: close channel", zap.Error(cerr))
	}
}

func (m *Mux) readBytes(cast *signal.Broadcast[byte]) {
	for {
		b, err := m.ch.ReadByte()
		if err != nil {
			err = classify(err)
			cast.Fail(err)
			m.fail(err)
			return
		}
		cast.Publish(b)
	}
}

func (m *Mux) readRecords(cast *signal.Broadcast[Record]) {
	for {
		rec, err := m.ch.ReadRecord()
		if err != nil {
			err = classify(err)
			cast.Fail(err)
			m.fail(err)
			return
		}
		cast.Publish(rec)
	}
}

// segmentText accumulates bytes and emits one segment per delimiter byte
// encountered. Runs until the byte stream terminates, then flushes and
// forwards the terminal signal.
func segmentText(src *signal.Sub[byte], cast *signal.Broadcast[string], delims []byte) {
	var buf []byte
	for b := range src.C {
		if bytes.IndexByte(delims, b) >= 0 {
			cast.Publish(string(buf))
			buf = buf[:0]
			continue
		}
		buf = append(buf, b)
	}
	if len(buf) > 0 {
		cast.Publish(string(buf))
	}
	if err := src.Err(); err != nil {
		cast.Fail(err)
	} else {
		cast.Close()
	}
}

// classify folds the various shapes of "the channel went away" into
// ErrClosed; anything else is a transport error and passes through.
func classify(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed):
		return ErrClosed
	}
	return err
}
