package crypt

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/br0kenpixel/rclone-crypt/lib/readers"
	"github.com/sirupsen/logrus"
)

// Reader decrypts an encrypted stream on the fly.
//
// The header is consumed and the first block decrypted when the Reader
// is made, so a stream with a bad header or a corrupted first block
// fails in NewReader rather than on the first Read.
//
// If the underlying source is an io.Seeker the Reader is seekable too.
//
// A Reader is not safe for concurrent use without external locking.
type Reader struct {
	mu       sync.Mutex
	rc       io.Reader
	c        *Cipher
	d        *Decrypter
	nonce    nonce // nonce for the next block to be read
	buf      *[blockSize]byte
	readBuf  *[blockSize]byte
	bufIndex int
	bufSize  int
	pos      int64 // plaintext offset of the next byte Read returns
	err      error
}

// NewReader creates a Reader decrypting in.
//
// This reads the 32 byte header and eagerly decrypts the first block,
// failing with ErrorEncryptedFileTooShort, ErrorEncryptedBadMagic or a
// block error as appropriate.
func NewReader(c *Cipher, in io.Reader) (*Reader, error) {
	fh := &Reader{
		rc:      in,
		c:       c,
		buf:     c.getBlock(),
		readBuf: c.getBlock(),
	}
	// Read file header (magic + nonce)
	readBuf := (*fh.readBuf)[:fileHeaderSize]
	n, err := readers.ReadFill(fh.rc, readBuf)
	if n < fileHeaderSize && err == io.EOF {
		// This read from 0..fileHeaderSize-1 bytes
		return nil, fh.finishAndClose(ErrorEncryptedFileTooShort)
	} else if err != io.EOF && err != nil {
		return nil, fh.finishAndClose(err)
	}
	// check the magic
	if !bytes.Equal(readBuf[:fileMagicSize], fileMagicBytes) {
		return nil, fh.finishAndClose(ErrorEncryptedBadMagic)
	}
	fh.d = &Decrypter{dataKey: c.dataKey}
	fh.d.initialNonce.fromBuf(readBuf[fileMagicSize:])
	fh.nonce = fh.d.initialNonce
	// Eagerly decrypt the first block. An EOF here just means the
	// stream holds no blocks (zero length plaintext).
	err = fh.fillBuffer()
	if err != nil && err != io.EOF {
		return nil, fh.finishAndClose(err)
	}
	return fh, nil
}

// read data into internal buffer - call with fh.mu held
func (fh *Reader) fillBuffer() (err error) {
	readBuf := fh.readBuf
	n, err := readers.ReadFill(fh.rc, (*readBuf)[:])
	if n == 0 {
		return err
	}
	// possibly err != nil here, but we will process the data and
	// the next call to ReadFill will return 0, err

	// Check header + 1 byte exists
	if n <= blockHeaderSize {
		if err != nil && err != io.EOF {
			return err // return pending error as it is likely more accurate
		}
		return ErrorEncryptedFileBadHeader
	}
	// Decrypt the block using the nonce
	_, ok := fh.d.open((*fh.buf)[:0], &fh.nonce, (*readBuf)[:n])
	if !ok {
		if err != nil && err != io.EOF {
			return err // return pending error as it is likely more accurate
		}
		if !fh.c.passBadBlocks {
			return ErrorEncryptedBadBlock
		}
		logrus.Warnf("crypt: ignoring: %v", ErrorEncryptedBadBlock)
		// Zero out the bad block and continue
		for i := range (*fh.buf)[:n] {
			fh.buf[i] = 0
		}
	}
	fh.bufIndex = 0
	fh.bufSize = n - blockHeaderSize
	fh.nonce.increment()
	return nil
}

// Read as per io.Reader
func (fh *Reader) Read(p []byte) (n int, err error) {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if fh.err != nil {
		return 0, fh.err
	}
	if fh.bufIndex >= fh.bufSize {
		err = fh.fillBuffer()
		if err != nil {
			return 0, fh.finish(err)
		}
	}
	n = copy(p, (*fh.buf)[fh.bufIndex:fh.bufSize])
	fh.bufIndex += n
	fh.pos += int64(n)
	return n, nil
}

// Seek implements the io.Seeker interface.
//
// The underlying source must be an io.Seeker. Rather than rewinding
// and discarding, this seeks the source straight to the block holding
// offset and advances the nonce by the number of blocks skipped, so
// backwards seeks (including io.SeekCurrent with a negative offset)
// are supported. io.SeekEnd works out the plaintext length from the
// size of the source. Seeking beyond the end of the plaintext returns
// ErrorBadSeek.
func (fh *Reader) Seek(offset int64, whence int) (int64, error) {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	// Reset error or return it if not EOF
	if fh.err == io.EOF {
		fh.unFinish()
	} else if fh.err != nil {
		return 0, fh.err
	}

	seeker, ok := fh.rc.(io.Seeker)
	if !ok {
		return 0, fh.finish(errors.New("can't seek - underlying source is not an io.Seeker"))
	}

	// Work out the absolute plaintext offset
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = fh.pos + offset
	case io.SeekEnd:
		underlyingSize, err := seeker.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, fh.finish(err)
		}
		decryptedSize, err := fh.c.DecryptedSize(underlyingSize)
		if err != nil {
			return 0, fh.finish(err)
		}
		abs = decryptedSize + offset
	default:
		return 0, fh.finish(errors.New("crypt: invalid whence"))
	}
	if abs < 0 {
		return 0, fh.finish(ErrorBadSeek)
	}

	// Seek the underlying stream to the start of the block
	// holding abs and move the nonce on to match
	blocks, discard := abs/blockDataSize, abs%blockDataSize
	underlyingOffset := int64(fileHeaderSize) + blocks*blockSize
	if _, err := seeker.Seek(underlyingOffset, io.SeekStart); err != nil {
		return 0, fh.finish(err)
	}
	fh.nonce = fh.d.initialNonce
	fh.nonce.add(uint64(blocks))
	fh.bufIndex, fh.bufSize = 0, 0

	err := fh.fillBuffer()
	if err == io.EOF {
		if discard != 0 {
			return 0, fh.finish(ErrorBadSeek)
		}
		// seeking exactly to EOF on a block boundary is fine
		fh.pos = abs
		return abs, nil
	}
	if err != nil {
		return 0, fh.finish(err)
	}

	// Discard bytes from the buffer
	if int(discard) > fh.bufSize {
		return 0, fh.finish(ErrorBadSeek)
	}
	fh.bufIndex = int(discard)
	fh.pos = abs
	return abs, nil
}

// finish sets the final error and tidies up
func (fh *Reader) finish(err error) error {
	if fh.err != nil {
		return fh.err
	}
	fh.err = err
	fh.c.putBlock(fh.buf)
	fh.buf = nil
	fh.c.putBlock(fh.readBuf)
	fh.readBuf = nil
	return err
}

// unFinish undoes the effects of finish
func (fh *Reader) unFinish() {
	// Clear error
	fh.err = nil

	// reinstate the buffers
	fh.buf = fh.c.getBlock()
	fh.readBuf = fh.c.getBlock()

	// Empty the buffer
	fh.bufIndex = 0
	fh.bufSize = 0
}

// Close closes the Reader, closing the underlying source too if it is
// an io.Closer
func (fh *Reader) Close() error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	// Check already closed
	if fh.err == ErrorFileClosed {
		return fh.err
	}
	// Closed before reading EOF so not finish()ed yet
	if fh.err == nil {
		_ = fh.finish(io.EOF)
	}
	// Show file now closed
	fh.err = ErrorFileClosed
	if closer, ok := fh.rc.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// finishAndClose does finish then Close()
//
// Used when we are returning a nil fh from NewReader
func (fh *Reader) finishAndClose(err error) error {
	_ = fh.finish(err)
	_ = fh.Close()
	return err
}

// check interfaces
var (
	_ io.ReadCloser = (*Reader)(nil)
	_ io.Seeker     = (*Reader)(nil)
)
