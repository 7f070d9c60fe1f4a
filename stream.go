package crypt

import (
	"bytes"
	"crypto/rand"
	"io"
	"sync"

	"github.com/br0kenpixel/rclone-crypt/lib/readers"
	"golang.org/x/crypto/nacl/secretbox"
)

// Encrypter is the per file data block codec.
//
// It holds the data key and a fresh random initial nonce. The header
// must be written before any blocks. Nonces for the blocks are derived
// from the initial nonce by adding the block number, so the same
// (nonce, block) pair is never used for two different plaintexts.
//
// The methods are pure per call so an Encrypter may be shared between
// goroutines as long as each block number is only used once.
type Encrypter struct {
	dataKey      [FileKeySize]byte
	initialNonce nonce
}

// newEncrypter creates an Encrypter reading the initial nonce from
// cryptoRand
func newEncrypter(dataKey *[FileKeySize]byte, cryptoRand io.Reader) (*Encrypter, error) {
	e := &Encrypter{
		dataKey: *dataKey,
	}
	err := e.initialNonce.fromReader(cryptoRand)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// NewEncrypter creates an Encrypter for the data key given with a
// random initial nonce
func NewEncrypter(fileKey [FileKeySize]byte) (*Encrypter, error) {
	return newEncrypter(&fileKey, rand.Reader)
}

// Encrypter creates an Encrypter keyed by the cipher's data key
func (c *Cipher) Encrypter() (*Encrypter, error) {
	return newEncrypter(&c.dataKey, c.cryptoRand)
}

// FileHeader returns the 32 byte file header - the magic followed by
// the initial nonce
func (e *Encrypter) FileHeader() []byte {
	header := make([]byte, fileHeaderSize)
	copy(header, fileMagicBytes)
	copy(header[fileMagicSize:], e.initialNonce[:])
	return header
}

// EncryptBlock encrypts up to 64 KiB of plaintext as block blockID,
// returning the plaintext length + 16 bytes of ciphertext
func (e *Encrypter) EncryptBlock(blockID uint64, plaintext []byte) ([]byte, error) {
	if len(plaintext) > blockDataSize {
		return nil, ErrorBlockTooBig
	}
	blockNonce := e.initialNonce
	blockNonce.add(blockID)
	return secretbox.Seal(nil, plaintext, blockNonce.pointer(), &e.dataKey), nil
}

// Decrypter is the per file data block codec for reading.
//
// It holds the data key and the initial nonce recovered from the file
// header. The methods are pure per call so a Decrypter may be shared
// between goroutines.
type Decrypter struct {
	dataKey      [FileKeySize]byte
	initialNonce nonce
}

// NewDecrypter creates a Decrypter for the data key from the 32 byte
// file header
func NewDecrypter(fileKey [FileKeySize]byte, header []byte) (*Decrypter, error) {
	if len(header) < fileHeaderSize {
		return nil, ErrorEncryptedFileTooShort
	}
	if !bytes.Equal(header[:fileMagicSize], fileMagicBytes) {
		return nil, ErrorEncryptedBadMagic
	}
	d := &Decrypter{
		dataKey: fileKey,
	}
	d.initialNonce.fromBuf(header[fileMagicSize:])
	return d, nil
}

// Decrypter creates a Decrypter keyed by the cipher's data key from
// the 32 byte file header
func (c *Cipher) Decrypter(header []byte) (*Decrypter, error) {
	return NewDecrypter(c.dataKey, header)
}

// open decrypts ciphertext under blockNonce appending the plaintext to
// dst - this is the primitive the streaming Reader builds on
func (d *Decrypter) open(dst []byte, blockNonce *nonce, ciphertext []byte) ([]byte, bool) {
	return secretbox.Open(dst, ciphertext, blockNonce.pointer(), &d.dataKey)
}

// DecryptBlock decrypts a ciphertext block as block blockID.
//
// It returns ErrorEncryptedBadBlock if the authenticator doesn't
// match, in which case none of the plaintext is returned.
func (d *Decrypter) DecryptBlock(blockID uint64, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) <= blockHeaderSize {
		return nil, ErrorEncryptedFileBadHeader
	}
	blockNonce := d.initialNonce
	blockNonce.add(blockID)
	plaintext, ok := d.open(nil, &blockNonce, ciphertext)
	if !ok {
		return nil, ErrorEncryptedBadBlock
	}
	return plaintext, nil
}

// encryptReader encrypts an io.Reader on the fly
type encryptReader struct {
	mu       sync.Mutex
	in       io.Reader
	c        *Cipher
	nonce    nonce
	buf      *[blockSize]byte
	readBuf  *[blockSize]byte
	bufIndex int
	bufSize  int
	err      error
}

// newEncryptReader creates a new file handle encrypting on the fly
func (c *Cipher) newEncryptReader(in io.Reader, nonce *nonce) (*encryptReader, error) {
	fh := &encryptReader{
		in:      in,
		c:       c,
		buf:     c.getBlock(),
		readBuf: c.getBlock(),
		bufSize: fileHeaderSize,
	}
	// Initialise nonce
	if nonce != nil {
		fh.nonce = *nonce
	} else {
		err := fh.nonce.fromReader(c.cryptoRand)
		if err != nil {
			return nil, err
		}
	}
	// Copy magic into buffer
	copy((*fh.buf)[:], fileMagicBytes)
	// Copy nonce into buffer
	copy((*fh.buf)[fileMagicSize:], fh.nonce[:])
	return fh, nil
}

// Read as per io.Reader
func (fh *encryptReader) Read(p []byte) (n int, err error) {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if fh.err != nil {
		return 0, fh.err
	}
	if fh.bufIndex >= fh.bufSize {
		// Read data
		readBuf := (*fh.readBuf)[:blockDataSize]
		n, err = readers.ReadFill(fh.in, readBuf)
		if n == 0 {
			return fh.finish(err)
		}
		// possibly err != nil here, but we will process the
		// data and the next call to ReadFill will return 0, err
		// Encrypt the block using the nonce
		secretbox.Seal((*fh.buf)[:0], readBuf[:n], fh.nonce.pointer(), &fh.c.dataKey)
		fh.bufIndex = 0
		fh.bufSize = blockHeaderSize + n
		fh.nonce.increment()
	}
	n = copy(p, (*fh.buf)[fh.bufIndex:fh.bufSize])
	fh.bufIndex += n
	return n, nil
}

// finish sets the final error and tidies up
func (fh *encryptReader) finish(err error) (int, error) {
	if fh.err != nil {
		return 0, fh.err
	}
	fh.err = err
	fh.c.putBlock(fh.buf)
	fh.buf = nil
	fh.c.putBlock(fh.readBuf)
	fh.readBuf = nil
	return 0, err
}

// EncryptData encrypts the data stream pull fashion - reading the
// returned io.Reader yields the header followed by the encrypted
// blocks of in
func (c *Cipher) EncryptData(in io.Reader) (io.Reader, error) {
	out, err := c.newEncryptReader(in, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecryptData decrypts the data stream
func (c *Cipher) DecryptData(rc io.ReadCloser) (io.ReadCloser, error) {
	out, err := NewReader(c, rc)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// check interfaces
var (
	_ io.Reader = (*encryptReader)(nil)
)
