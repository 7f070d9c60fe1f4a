package crypt

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPlaintext makes size bytes of deterministic test data
func testPlaintext(size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

func TestEncrypterHeader(t *testing.T) {
	c, err := newCipher("", "", true, nil)
	require.NoError(t, err)
	c.cryptoRand = newRandomSource(1e8)

	e, err := c.Encrypter()
	require.NoError(t, err)
	header := e.FileHeader()
	assert.Equal(t, fileHeaderSize, len(header))
	assert.Equal(t, fileMagicBytes, header[:fileMagicSize])
	assert.Equal(t, e.initialNonce[:], header[fileMagicSize:])
}

func TestEncryptDecryptBlock(t *testing.T) {
	c, err := NewCipher("super_secret_password", "salty")
	require.NoError(t, err)

	e, err := c.Encrypter()
	require.NoError(t, err)
	header := e.FileHeader()
	require.Equal(t, fileHeaderSize, len(header))

	plaintext := []byte("and that's how we learn Rust")
	ciphertext, err := e.EncryptBlock(0, plaintext)
	require.NoError(t, err)
	assert.Equal(t, len(plaintext)+blockHeaderSize, len(ciphertext))

	// decrypt with a Decrypter built from the emitted header
	d, err := c.Decrypter(header)
	require.NoError(t, err)
	recovered, err := d.DecryptBlock(0, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)

	// the standalone constructors only need the file key
	e2, err := NewEncrypter(c.FileKey())
	require.NoError(t, err)
	ciphertext2, err := e2.EncryptBlock(0, plaintext)
	require.NoError(t, err)
	d2, err := NewDecrypter(c.FileKey(), e2.FileHeader())
	require.NoError(t, err)
	recovered, err = d2.DecryptBlock(0, ciphertext2)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)

	// fresh random nonces mean the ciphertexts differ
	assert.NotEqual(t, ciphertext, ciphertext2)
}

func TestEncryptBlockTooBig(t *testing.T) {
	c, err := newCipher("", "", true, nil)
	require.NoError(t, err)
	e, err := c.Encrypter()
	require.NoError(t, err)
	_, err = e.EncryptBlock(0, make([]byte, blockDataSize+1))
	assert.Equal(t, ErrorBlockTooBig, err)
	// a full block is fine
	ciphertext, err := e.EncryptBlock(0, make([]byte, blockDataSize))
	assert.NoError(t, err)
	assert.Equal(t, blockSize, len(ciphertext))
}

func TestDecryptBlockErrors(t *testing.T) {
	c, err := newCipher("", "", true, nil)
	require.NoError(t, err)
	e, err := c.Encrypter()
	require.NoError(t, err)

	// bad header
	_, err = c.Decrypter([]byte("RCLONE"))
	assert.Equal(t, ErrorEncryptedFileTooShort, err)
	header := e.FileHeader()
	header[0] ^= 0x1
	_, err = c.Decrypter(header)
	assert.Equal(t, ErrorEncryptedBadMagic, err)
	header[0] ^= 0x1

	d, err := c.Decrypter(header)
	require.NoError(t, err)

	plaintext := []byte("potato")
	ciphertext, err := e.EncryptBlock(7, plaintext)
	require.NoError(t, err)

	// wrong block number fails to authenticate
	_, err = d.DecryptBlock(8, ciphertext)
	assert.Equal(t, ErrorEncryptedBadBlock, err)

	// flipping any bit fails to authenticate
	ciphertext[3] ^= 0x10
	_, err = d.DecryptBlock(7, ciphertext)
	assert.Equal(t, ErrorEncryptedBadBlock, err)
	ciphertext[3] ^= 0x10

	// truncated block
	_, err = d.DecryptBlock(7, ciphertext[:blockHeaderSize])
	assert.Equal(t, ErrorEncryptedFileBadHeader, err)

	// and the undamaged block is fine
	recovered, err := d.DecryptBlock(7, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)
}

// encryptWithWriter encrypts plaintext with a Writer using the chunk
// size given for the Write calls
func encryptWithWriter(t *testing.T, c *Cipher, plaintext []byte, chunkSize int) []byte {
	var out bytes.Buffer
	w, err := NewWriter(c, &out)
	require.NoError(t, err)
	for offset := 0; offset < len(plaintext); offset += chunkSize {
		end := offset + chunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		n, err := w.Write(plaintext[offset:end])
		require.NoError(t, err)
		require.Equal(t, end-offset, n)
	}
	require.NoError(t, w.Close())
	return out.Bytes()
}

func TestWriterRoundTrip(t *testing.T) {
	c, err := newCipher("", "", true, nil)
	require.NoError(t, err)

	for _, size := range []int{1, 16, 255, 65535, 65536, 65537, 131072, 200000} {
		plaintext := testPlaintext(size)
		for _, chunkSize := range []int{1e9, 7, 65536, 65537} {
			what := fmt.Sprintf("size=%d chunkSize=%d", size, chunkSize)
			encrypted := encryptWithWriter(t, c, plaintext, chunkSize)
			assert.Equal(t, c.EncryptedSize(int64(size)), int64(len(encrypted)), what)

			fh, err := NewReader(c, bytes.NewReader(encrypted))
			require.NoError(t, err, what)
			recovered, err := io.ReadAll(fh)
			require.NoError(t, err, what)
			assert.Equal(t, plaintext, recovered, what)
			require.NoError(t, fh.Close())
		}
	}
}

// three full blocks plus a 3392 byte tail
func TestWriterMultiBlockSizes(t *testing.T) {
	c, err := newCipher("", "", true, nil)
	require.NoError(t, err)
	encrypted := encryptWithWriter(t, c, testPlaintext(200000), 1e9)
	assert.Equal(t, 32+3*65552+(3392+16), len(encrypted))
}

// writing nothing must emit nothing - not even the header
func TestWriterEmpty(t *testing.T) {
	c, err := newCipher("", "", true, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	w, err := NewWriter(c, &out)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, 0, out.Len())

	// and a zero byte file is not an encrypted file
	_, err = NewReader(c, bytes.NewReader(nil))
	assert.Equal(t, ErrorEncryptedFileTooShort, err)
}

func TestWriterFlush(t *testing.T) {
	c, err := newCipher("", "", true, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	bw := bufio.NewWriter(&out)
	w, err := NewWriter(c, bw)
	require.NoError(t, err)
	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)

	// Flush flushes the sink but must not emit a short block
	require.NoError(t, w.Flush())
	assert.Equal(t, 0, out.Len())

	// Close emits the tail and flushes the bufio.Writer through
	require.NoError(t, w.Close())
	assert.Equal(t, fileHeaderSize+10+blockHeaderSize, out.Len())

	// double close
	assert.Equal(t, ErrorFileClosed, w.Close())

	// write after close
	_, err = w.Write([]byte("x"))
	assert.Equal(t, ErrorFileClosed, err)
}

// two encryptions of the same data must differ (fresh random nonce)
// yet both decrypt to the original
func TestWriterNonceUniqueness(t *testing.T) {
	c, err := NewCipher("potato", "")
	require.NoError(t, err)
	plaintext := testPlaintext(1000)

	a := encryptWithWriter(t, c, plaintext, 1e9)
	b := encryptWithWriter(t, c, plaintext, 1e9)
	assert.NotEqual(t, a, b)

	for _, encrypted := range [][]byte{a, b} {
		fh, err := NewReader(c, bytes.NewReader(encrypted))
		require.NoError(t, err)
		recovered, err := io.ReadAll(fh)
		require.NoError(t, err)
		assert.Equal(t, plaintext, recovered)
	}
}

// flipping a bit anywhere in a block must surface as a read error
func TestWriterTamper(t *testing.T) {
	c, err := newCipher("", "", true, nil)
	require.NoError(t, err)
	encrypted := encryptWithWriter(t, c, testPlaintext(2*blockDataSize), 1e9)

	// corrupt the second block
	encrypted[fileHeaderSize+blockSize+10] ^= 0x01
	fh, err := NewReader(c, bytes.NewReader(encrypted))
	require.NoError(t, err)
	n, err := io.CopyN(io.Discard, fh, 1e9)
	assert.Equal(t, int64(blockDataSize), n)
	assert.Equal(t, ErrorEncryptedBadBlock, err)

	// corrupt the first block - the eager read fails construction
	encrypted[fileHeaderSize+blockSize+10] ^= 0x01
	encrypted[fileHeaderSize+10] ^= 0x01
	_, err = NewReader(c, bytes.NewReader(encrypted))
	assert.Equal(t, ErrorEncryptedBadBlock, err)
}

func TestSeekableWriter(t *testing.T) {
	c, err := newCipher("", "", true, nil)
	require.NoError(t, err)

	// write, rewind, overwrite
	var out bytes.Buffer
	w, err := NewSeekableWriter(c, &out)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello world"))
	require.NoError(t, err)
	pos, err := w.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
	_, err = w.Write([]byte("HELLO"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	fh, err := NewReader(c, bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	recovered, err := io.ReadAll(fh)
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO world"), recovered)
}

func TestSeekableWriterMultiBlock(t *testing.T) {
	c, err := newCipher("", "", true, nil)
	require.NoError(t, err)

	expected := testPlaintext(150000)
	var out bytes.Buffer
	w, err := NewSeekableWriter(c, &out)
	require.NoError(t, err)
	_, err = w.Write(expected)
	require.NoError(t, err)

	// patch 10 bytes in the middle of the second block
	_, err = w.Seek(70000, io.SeekStart)
	require.NoError(t, err)
	patch := []byte("0123456789")
	_, err = w.Write(patch)
	require.NoError(t, err)
	copy(expected[70000:], patch)

	// patch 4 bytes back from the end
	_, err = w.Seek(-4, io.SeekEnd)
	require.NoError(t, err)
	_, err = w.Write([]byte("done"))
	require.NoError(t, err)
	copy(expected[len(expected)-4:], "done")

	require.NoError(t, w.Close())
	assert.Equal(t, c.EncryptedSize(int64(len(expected))), int64(out.Len()))

	fh, err := NewReader(c, bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	recovered, err := io.ReadAll(fh)
	require.NoError(t, err)
	assert.Equal(t, expected, recovered)
}

func TestSeekableWriterPastEnd(t *testing.T) {
	c, err := newCipher("", "", true, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	w, err := NewSeekableWriter(c, &out)
	require.NoError(t, err)
	_, err = w.Write([]byte("ab"))
	require.NoError(t, err)
	// seeking past the end and writing fills the gap with zeroes
	_, err = w.Seek(3, io.SeekCurrent)
	require.NoError(t, err)
	_, err = w.Write([]byte("cd"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	fh, err := NewReader(c, bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	recovered, err := io.ReadAll(fh)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 'b', 0, 0, 0, 'c', 'd'}, recovered)

	// negative seeks are invalid
	w2, err := NewSeekableWriter(c, io.Discard)
	require.NoError(t, err)
	_, err = w2.Seek(-1, io.SeekStart)
	assert.Equal(t, ErrorBadSeek, err)
	require.NoError(t, w2.Close())
}

func TestSeekableWriterEmpty(t *testing.T) {
	c, err := newCipher("", "", true, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	w, err := NewSeekableWriter(c, &out)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, 0, out.Len())
	assert.Equal(t, ErrorFileClosed, w.Close())
}

func TestReaderSeek(t *testing.T) {
	c, err := newCipher("", "", true, nil)
	require.NoError(t, err)
	const dataSize = 200000
	plaintext := testPlaintext(dataSize)
	encrypted := encryptWithWriter(t, c, plaintext, 1e9)

	open := func() *Reader {
		fh, err := NewReader(c, bytes.NewReader(encrypted))
		require.NoError(t, err)
		return fh
	}

	// check reading length bytes after seeking gives the right data
	check := func(fh *Reader, offset, length int) {
		what := fmt.Sprintf("offset=%d length=%d", offset, length)
		buf := make([]byte, length)
		_, err := io.ReadFull(fh, buf)
		require.NoError(t, err, what)
		assert.Equal(t, plaintext[offset:offset+length], buf, what)
	}

	// seeks from the start, crossing all the block boundaries
	fh := open()
	for _, offset := range []int{0, 1, 255, 65535, 65536, 65537, 131071, 131072, 131073, 196607, 196608, 196609, dataSize - 1} {
		pos, err := fh.Seek(int64(offset), io.SeekStart)
		require.NoError(t, err)
		assert.Equal(t, int64(offset), pos)
		check(fh, offset, dataSize-offset)
	}

	// relative seeks, including backwards
	fh = open()
	pos, err := fh.Seek(1000, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), pos)
	check(fh, 1000, 100)
	pos, err = fh.Seek(-600, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(500), pos)
	check(fh, 500, 100)
	pos, err = fh.Seek(70000, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(70600), pos)
	check(fh, 70600, 100)

	// seeks from the end
	fh = open()
	pos, err = fh.Seek(-10, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(dataSize-10), pos)
	check(fh, dataSize-10, 10)
	pos, err = fh.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(dataSize), pos)
	n, err := fh.Read(make([]byte, 1))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	// seeking to exactly EOF then back again works
	pos, err = fh.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
	check(fh, 0, 100)

	// seeks beyond EOF fail
	for _, test := range []struct {
		offset int64
		whence int
	}{
		{dataSize + 1, io.SeekStart},
		{dataSize + 65536, io.SeekStart},
		{1, io.SeekEnd},
	} {
		fh := open()
		_, err := fh.Seek(test.offset, test.whence)
		assert.Equal(t, ErrorBadSeek, err, fmt.Sprintf("offset=%d whence=%d", test.offset, test.whence))
	}

	// negative positions fail
	fh = open()
	_, err = fh.Seek(-1, io.SeekStart)
	assert.Equal(t, ErrorBadSeek, err)

	// seeking needs a seekable source
	fh, err = NewReader(c, bytes.NewBuffer(encrypted))
	require.NoError(t, err)
	_, err = fh.Seek(0, io.SeekStart)
	assert.Error(t, err)
}

// exercise every write/read chunking combination against each other
func TestStreamChunking(t *testing.T) {
	c, err := newCipher("", "", true, nil)
	require.NoError(t, err)
	plaintext := testPlaintext(70000)

	for _, writeChunk := range []int{1, 3, 65536, 1e9} {
		encrypted := encryptWithWriter(t, c, plaintext, writeChunk)
		for _, readChunk := range []int{1, 3, 65536, 1e9} {
			what := fmt.Sprintf("writeChunk=%d readChunk=%d", writeChunk, readChunk)
			fh, err := NewReader(c, bytes.NewReader(encrypted))
			require.NoError(t, err, what)
			var recovered []byte
			buf := make([]byte, min(readChunk, 1<<20))
			for {
				n, err := fh.Read(buf)
				recovered = append(recovered, buf[:n]...)
				if err == io.EOF {
					break
				}
				require.NoError(t, err, what)
			}
			assert.Equal(t, plaintext, recovered, what)
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
