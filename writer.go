package crypt

import (
	"io"
	"sync"
)

// flusher is the optional interface a sink can implement to have its
// own buffers flushed when a writer is flushed or closed
type flusher interface {
	Flush() error
}

// Writer encrypts data written to it, writing the encrypted stream to
// the sink.
//
// Plaintext is staged into 64 KiB blocks, each emitted as soon as it
// is complete. The header is written lazily before the first block, so
// a Writer which is closed without any data written emits nothing at
// all. Close must be called to emit the final short block.
//
// A Writer is not safe for concurrent use without external locking.
type Writer struct {
	mu          sync.Mutex
	out         io.Writer
	enc         *Encrypter
	buf         []byte // partial block of plaintext waiting to be emitted
	blockID     uint64
	wroteHeader bool
	err         error
}

// NewWriter creates a Writer encrypting to out
func NewWriter(c *Cipher, out io.Writer) (*Writer, error) {
	enc, err := c.Encrypter()
	if err != nil {
		return nil, err
	}
	return &Writer{
		out: out,
		enc: enc,
		buf: make([]byte, 0, blockDataSize),
	}, nil
}

// writeBlock emits the staged plaintext as the next block, writing
// the header first if it hasn't been written yet - call with w.mu held
func (w *Writer) writeBlock() error {
	if !w.wroteHeader {
		if _, err := w.out.Write(w.enc.FileHeader()); err != nil {
			return err
		}
		w.wroteHeader = true
	}
	block, err := w.enc.EncryptBlock(w.blockID, w.buf)
	if err != nil {
		return err
	}
	if _, err := w.out.Write(block); err != nil {
		return err
	}
	w.blockID++
	w.buf = w.buf[:0]
	return nil
}

// Write as per io.Writer
//
// Data is staged internally and only written to the sink in whole
// blocks - the tail is emitted by Close.
func (w *Writer) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return 0, w.err
	}
	for len(p) > 0 {
		take := blockDataSize - len(w.buf)
		if take > len(p) {
			take = len(p)
		}
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		n += take
		if len(w.buf) == blockDataSize {
			if err := w.writeBlock(); err != nil {
				w.err = err
				return n, err
			}
		}
	}
	return n, nil
}

// Flush flushes the sink if it supports it.
//
// It does not emit the staged partial block - short blocks only ever
// appear at the end of the stream, so they are written by Close.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	if f, ok := w.out.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Close emits the final short block (if any data is staged) and
// flushes the sink. The underlying sink is not closed.
//
// Close must be called - without it the tail of the stream is lost.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err == ErrorFileClosed {
		return w.err
	}
	if w.err != nil {
		err := w.err
		w.err = ErrorFileClosed
		return err
	}
	w.err = ErrorFileClosed
	if len(w.buf) > 0 {
		if err := w.writeBlock(); err != nil {
			return err
		}
	}
	if f, ok := w.out.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// SeekableWriter encrypts data written to it, supporting seeks within
// the data before it is emitted.
//
// All the plaintext is buffered in memory and only encrypted and
// written to the sink on Close. That makes arbitrary seeks easy but
// means the whole plaintext lives in memory for the lifetime of the
// writer - use Writer instead unless you need the seeking.
//
// A SeekableWriter is not safe for concurrent use without external
// locking.
type SeekableWriter struct {
	mu  sync.Mutex
	out io.Writer
	enc *Encrypter
	buf []byte
	pos int64
	err error
}

// NewSeekableWriter creates a SeekableWriter encrypting to out
func NewSeekableWriter(c *Cipher, out io.Writer) (*SeekableWriter, error) {
	enc, err := c.Encrypter()
	if err != nil {
		return nil, err
	}
	return &SeekableWriter{
		out: out,
		enc: enc,
	}, nil
}

// Write as per io.Writer
//
// Writing past the end of what has been written so far fills the gap
// with zero bytes.
func (w *SeekableWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return 0, w.err
	}
	end := w.pos + int64(len(p))
	if grow := end - int64(len(w.buf)); grow > 0 {
		w.buf = append(w.buf, make([]byte, grow)...)
	}
	copy(w.buf[w.pos:end], p)
	w.pos = end
	return len(p), nil
}

// Seek moves the write position as per io.Seeker
func (w *SeekableWriter) Seek(offset int64, whence int) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return 0, w.err
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = w.pos + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, ErrorBadSeek
	}
	if abs < 0 {
		return 0, ErrorBadSeek
	}
	w.pos = abs
	return abs, nil
}

// Close encrypts the buffered plaintext and writes the header and the
// blocks to the sink, then zeroes the plaintext buffer.
//
// If nothing was written the sink is left untouched.
func (w *SeekableWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err == ErrorFileClosed {
		return w.err
	}
	if w.err != nil {
		err := w.err
		w.err = ErrorFileClosed
		return err
	}
	w.err = ErrorFileClosed
	defer func() {
		for i := range w.buf {
			w.buf[i] = 0
		}
	}()
	if len(w.buf) == 0 {
		return nil
	}
	if _, err := w.out.Write(w.enc.FileHeader()); err != nil {
		return err
	}
	for blockID, offset := uint64(0), 0; offset < len(w.buf); blockID, offset = blockID+1, offset+blockDataSize {
		end := offset + blockDataSize
		if end > len(w.buf) {
			end = len(w.buf)
		}
		block, err := w.enc.EncryptBlock(blockID, w.buf[offset:end])
		if err != nil {
			return err
		}
		if _, err := w.out.Write(block); err != nil {
			return err
		}
	}
	if f, ok := w.out.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// check interfaces
var (
	_ io.WriteCloser = (*Writer)(nil)
	_ io.WriteCloser = (*SeekableWriter)(nil)
	_ io.Seeker      = (*SeekableWriter)(nil)
)
