package encryption

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"will-go/internal/will"
)

// Frame layout: magic, one version byte, big-endian plaintext length.
const (
	frameMagic   = "WILLDOC"
	frameVersion = 1
	frameSize    = len(frameMagic) + 1 + 8
)

var errBadFrame = errors.New("not a test-sealed document")

// TestEncryptor wraps documents in a plaintext frame. Sealing is
// deterministic and offers no secrecy; it backs encryption type "test".
type TestEncryptor struct{}

var _ will.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(string) error { return nil }

func (e *TestEncryptor) IsConfigured() bool { return true }

// Unlock accepts any passphrase.
func (e *TestEncryptor) Unlock(string) (will.DecryptionContext, error) {
	return testOpener{}, nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	var body bytes.Buffer
	if _, err := io.Copy(&body, r); err != nil {
		return fmt.Errorf("reading document: %w", err)
	}
	header := make([]byte, frameSize)
	copy(header, frameMagic)
	header[len(frameMagic)] = frameVersion
	binary.BigEndian.PutUint64(header[len(frameMagic)+1:], uint64(body.Len()))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := body.WriteTo(w); err != nil {
		return fmt.Errorf("writing document: %w", err)
	}
	return nil
}

type testOpener struct{}

func (testOpener) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, frameSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading frame header: %w", err)
	}
	if string(header[:len(frameMagic)]) != frameMagic {
		return errBadFrame
	}
	if v := header[len(frameMagic)]; v != frameVersion {
		return fmt.Errorf("unsupported frame version %d", v)
	}
	n := int64(binary.BigEndian.Uint64(header[len(frameMagic)+1:]))
	if n < 0 {
		return errBadFrame
	}
	if _, err := io.CopyN(w, r, n); err != nil {
		return fmt.Errorf("document truncated: %w", err)
	}
	if extra, _ := io.Copy(io.Discard, r); extra > 0 {
		return fmt.Errorf("%d trailing bytes after document", extra)
	}
	return nil
}
