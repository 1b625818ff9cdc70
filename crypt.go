package revdb

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

type EncryptionAlgorithm int

const (
	EncryptionNone EncryptionAlgorithm = iota
	EncryptionAES256
)

const (
	EncryptionKeySize       = 32
	KeyDerivationIterations = 100000
)

// EncryptionKey enables at-rest encryption of revision and raw bodies.
type EncryptionKey struct {
	Algorithm EncryptionAlgorithm
	Bytes     []byte
}

// DeriveEncryptionKey stretches a passphrase into an AES-256 key with
// PBKDF2-SHA256.
func DeriveEncryptionKey(passphrase string, salt []byte) *EncryptionKey {
	return &EncryptionKey{
		Algorithm: EncryptionAES256,
		Bytes:     pbkdf2.Key([]byte(passphrase), salt, KeyDerivationIterations, EncryptionKeySize, sha256.New),
	}
}

// sealer encrypts stored bodies. A nil *sealer passes data through.
type sealer struct {
	gcm   cipher.AEAD
	check []byte
}

func newSealer(key *EncryptionKey) (*sealer, error) {
	if key == nil || key.Algorithm == EncryptionNone {
		return nil, nil
	}
	if key.Algorithm != EncryptionAES256 {
		return nil, errf(ErrInvalidParameter, nil, "unsupported encryption algorithm %d", key.Algorithm)
	}
	if len(key.Bytes) != EncryptionKeySize {
		return nil, errf(ErrInvalidParameter, nil, "encryption key must be %d bytes, got %d", EncryptionKeySize, len(key.Bytes))
	}
	block, err := aes.NewCipher(key.Bytes)
	if err != nil {
		return nil, errf(ErrInvalidParameter, err, "invalid encryption key")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errf(ErrInvalidParameter, err, "invalid encryption key")
	}

	mac := hmac.New(sha256.New, key.Bytes)
	mac.Write([]byte("revdb key check"))
	return &sealer{gcm: gcm, check: mac.Sum(nil)}, nil
}

// seal returns nonce + ciphertext + tag.
func (s *sealer) seal(plain []byte) []byte {
	if s == nil {
		return plain
	}
	nonce := make([]byte, s.gcm.NonceSize(), s.gcm.NonceSize()+len(plain)+s.gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		panic(err)
	}
	return s.gcm.Seal(nonce, nonce, plain, nil)
}

func (s *sealer) open(data []byte) ([]byte, error) {
	if s == nil {
		return data, nil
	}
	n := s.gcm.NonceSize()
	if len(data) < n+s.gcm.Overhead() {
		return nil, dataErrf(data, 0, nil, "ciphertext too short")
	}
	plain, err := s.gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, errf(ErrWrongEncryptionKey, err, "cannot decrypt")
	}
	return plain, nil
}

// verifyKeyCheck compares the stored key check against the opening key.
// empty says whether the database has never been written to, in which
// case the key check is created by the caller.
func (s *sealer) verifyKeyCheck(stored []byte, empty bool) error {
	switch {
	case s == nil && stored == nil:
		return nil
	case s == nil:
		return errf(ErrWrongEncryptionKey, nil, "database is encrypted")
	case stored == nil && empty:
		return nil
	case stored == nil:
		return errf(ErrWrongEncryptionKey, nil, "database is not encrypted")
	case !hmac.Equal(stored, s.check):
		return errf(ErrWrongEncryptionKey, nil, "encryption key does not match")
	}
	return nil
}
