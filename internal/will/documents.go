package will

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Vault is the content-addressed store holding sealed will documents and
// the registry database snapshots.
type Vault interface {
	// PutContent stores content under key. Storing the same key twice is
	// safe. size is the number of bytes that will be read from r.
	PutContent(ctx context.Context, key string, r io.Reader, size int64) error

	// GetContent writes the content stored under key to w.
	GetContent(ctx context.Context, key string, w io.Writer) error

	// PutMetadata stores a named item for a host together with a version
	// marker. Known names: "db", "public_key", "private_key".
	PutMetadata(ctx context.Context, hostID, name string, r io.Reader, size int64, version int64) error

	GetMetadata(ctx context.Context, hostID, name string, w io.Writer) error

	// GetMetadataVersion returns 0 when nothing was stored for hostID/name.
	GetMetadataVersion(ctx context.Context, hostID, name string) (int64, error)

	// ValidateSetup verifies the vault is reachable and writable.
	ValidateSetup(ctx context.Context) error
}

// Encryptor seals documents with a public key. Opening them requires the
// private key, unlocked with a passphrase.
type Encryptor interface {
	// Setup generates the key pair and protects the private key with
	// passphrase.
	Setup(passphrase string) error

	Encrypt(r io.Reader, w io.Writer) error

	// Unlock returns a DecryptionContext or an error for a wrong passphrase.
	Unlock(passphrase string) (DecryptionContext, error)

	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key for one session.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

const pointerPrefix = "sha256:"

// DocumentService turns plaintext will documents into document pointers
// and back.
type DocumentService struct {
	vault     Vault
	encryptor Encryptor
	logger    Logger
}

func NewDocumentService(vault Vault, encryptor Encryptor, logger Logger) *DocumentService {
	return &DocumentService{vault: vault, encryptor: encryptor, logger: logger}
}

// Seal encrypts the document read from r, stores the ciphertext and
// returns its pointer, "sha256:<hex of ciphertext>".
func (s *DocumentService) Seal(ctx context.Context, r io.Reader) (string, error) {
	var buf bytes.Buffer
	if err := s.encryptor.Encrypt(r, &buf); err != nil {
		return "", fmt.Errorf("encrypting document: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	key := hex.EncodeToString(sum[:])

	size := int64(buf.Len())
	if err := s.vault.PutContent(ctx, key, &buf, size); err != nil {
		return "", fmt.Errorf("storing document: %w", err)
	}

	s.logger.Info("document sealed", "pointer", pointerPrefix+key, "size", size)
	return pointerPrefix + key, nil
}

// Open fetches the ciphertext behind pointer, verifies its checksum and
// writes the decrypted document to w.
func (s *DocumentService) Open(ctx context.Context, pointer string, dc DecryptionContext, w io.Writer) error {
	key, err := ParsePointer(pointer)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := s.vault.GetContent(ctx, key, &buf); err != nil {
		return fmt.Errorf("fetching document %s: %w", pointer, err)
	}
	sum := sha256.Sum256(buf.Bytes())
	if got := hex.EncodeToString(sum[:]); got != key {
		return fmt.Errorf("document %s: checksum mismatch, got %s", pointer, got)
	}

	if err := dc.Decrypt(&buf, w); err != nil {
		return fmt.Errorf("decrypting document %s: %w", pointer, err)
	}
	return nil
}

// ParsePointer returns the vault key of a "sha256:<hex>" pointer.
func ParsePointer(pointer string) (string, error) {
	key, ok := strings.CutPrefix(pointer, pointerPrefix)
	if !ok {
		return "", invalid("document_pointer", "not a sealed document pointer")
	}
	if len(key) != sha256.Size*2 {
		return "", invalid("document_pointer", "bad digest length")
	}
	if _, err := hex.DecodeString(key); err != nil {
		return "", invalid("document_pointer", "digest is not hex")
	}
	return key, nil
}
