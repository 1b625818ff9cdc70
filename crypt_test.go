package revdb

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enc.db")
	key := DeriveEncryptionKey("sekrit", []byte("salt"))

	db := must(Open(path, Options{Create: true, IsTesting: true, EncryptionKey: key}))
	update(t, db, "a", "attack at dawn")
	ensure(db.RawPut("s", []byte("k"), []byte("meta"), []byte("raw secret")))
	deepEqual(t, string(must(db.Get("a", true)).Body()), "attack at dawn")
	ensure(db.Close())

	data := must(os.ReadFile(path))
	if bytes.Contains(data, []byte("attack at dawn")) || bytes.Contains(data, []byte("raw secret")) {
		t.Fatalf("plaintext found in database file")
	}

	_, err := Open(path, Options{IsTesting: true})
	if !errors.Is(err, ErrWrongEncryptionKey) {
		t.Fatalf("Open without key = %v, wanted ErrWrongEncryptionKey", err)
	}
	_, err = Open(path, Options{IsTesting: true, EncryptionKey: DeriveEncryptionKey("wrong", []byte("salt"))})
	if !errors.Is(err, ErrWrongEncryptionKey) {
		t.Fatalf("Open with wrong key = %v, wanted ErrWrongEncryptionKey", err)
	}

	db = must(Open(path, Options{IsTesting: true, EncryptionKey: key}))
	defer db.Close()
	deepEqual(t, string(must(db.Get("a", true)).Body()), "attack at dawn")
	raw := must(db.RawGet("s", []byte("k")))
	deepEqual(t, string(raw.Meta), "meta")
	deepEqual(t, string(raw.Body), "raw secret")
}

func TestEncryption_KeyOnUnencryptedDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.db")
	db := must(Open(path, Options{Create: true, IsTesting: true}))
	update(t, db, "a", "1")
	ensure(db.Close())

	_, err := Open(path, Options{IsTesting: true, EncryptionKey: DeriveEncryptionKey("x", nil)})
	if !errors.Is(err, ErrWrongEncryptionKey) {
		t.Fatalf("Open with extra key = %v, wanted ErrWrongEncryptionKey", err)
	}
}

func TestSealer(t *testing.T) {
	var none *sealer
	deepEqual(t, none.seal([]byte("x")), []byte("x"))

	s := must(newSealer(&EncryptionKey{Algorithm: EncryptionAES256, Bytes: bytes.Repeat([]byte{7}, EncryptionKeySize)}))
	a, b := s.seal([]byte("hello")), s.seal([]byte("hello"))
	if bytes.Equal(a, b) {
		t.Fatalf("two seals of the same plaintext are equal")
	}
	deepEqual(t, string(must(s.open(a))), "hello")

	a[len(a)-1] ^= 1
	if _, err := s.open(a); !errors.Is(err, ErrWrongEncryptionKey) {
		t.Fatalf("open(tampered) = %v, wanted ErrWrongEncryptionKey", err)
	}
	if _, err := s.open([]byte{1, 2}); !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("open(short) = %v, wanted ErrInvalidEncoding", err)
	}

	_, err := newSealer(&EncryptionKey{Algorithm: EncryptionAES256, Bytes: []byte("short")})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("newSealer(short key) = %v, wanted ErrInvalidParameter", err)
	}
	isnilErr(t, must(newSealer(nil)).verifyKeyCheck(nil, false))
}
