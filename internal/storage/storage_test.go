package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCleanKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"a.pdf", "a.pdf", false},
		{"/folder//b.pdf", "folder/b.pdf", false},
		{`win\path\c.pdf`, "win/path/c.pdf", false},
		{"./x/./y", "x/y", false},
		{"../etc/passwd", "", true},
		{"a/../../b", "", true},
		{"", "", true},
		{"/", "", true},
	}
	for _, tt := range tests {
		got, err := CleanKey(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("CleanKey(%q) error = %v, want error %v", tt.in, err, tt.err)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidKey) {
			t.Errorf("CleanKey(%q) error %v does not wrap ErrInvalidKey", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("CleanKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLocalBackend(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Put(ctx, "docs/a.pdf", []byte("%PDF-a"), "application/pdf"); err != nil {
		t.Fatal(err)
	}
	if err := l.Put(ctx, "docs/sub/b.png", []byte("png"), "image/png"); err != nil {
		t.Fatal(err)
	}
	if err := l.Put(ctx, "other.txt", []byte("x"), ""); err != nil {
		t.Fatal(err)
	}

	got, err := l.Get(ctx, "docs/a.pdf")
	if err != nil || string(got) != "%PDF-a" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	info, err := l.Stat(ctx, "docs/a.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 6 || info.ContentType != "application/pdf" {
		t.Errorf("Stat() = %+v", info)
	}

	list, err := l.List(ctx, "docs/")
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, o := range list {
		keys = append(keys, o.Key)
	}
	if diff := cmp.Diff([]string{"docs/a.pdf", "docs/sub/b.png"}, keys); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}

	if err := l.Rename(ctx, "docs/sub/b.png", "moved/b.png"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Get(ctx, "docs/sub/b.png"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old key still readable: %v", err)
	}
	if ok, _ := Exists(ctx, l, "moved/b.png"); !ok {
		t.Error("renamed key missing")
	}
	if err := l.Rename(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rename(missing) error = %v", err)
	}

	if err := l.Delete(ctx, "docs/a.pdf"); err != nil {
		t.Fatal(err)
	}
	if err := l.Delete(ctx, "docs/a.pdf"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v", err)
	}
	if _, err := l.Stat(ctx, "docs"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat(dir) error = %v", err)
	}
	if _, err := l.Get(ctx, "../escape"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Get(../escape) error = %v", err)
	}
}

func TestSealOpen(t *testing.T) {
	plain := []byte("sixteen byte msg and then some more")
	sealed, err := seal(plain, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if string(sealed[:8]) != formatCBC {
		t.Fatalf("magic = %q", sealed[:8])
	}
	got, format, err := open(sealed, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if format != formatCBC || !bytes.Equal(got, plain) {
		t.Errorf("open() = %q, %s", got, format)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, _, err := open(sealed, "secret"); err == nil {
		t.Error("open() should detect tampering")
	}
}

func sealGCM(t *testing.T, plain []byte, password string) []byte {
	t.Helper()
	salt := make([]byte, 16)
	nonce := make([]byte, 12)
	rand.Read(salt)
	rand.Read(nonce)
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		t.Fatal(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatal(err)
	}
	out := append(append([]byte{}, salt...), nonce...)
	return gcm.Seal(out, nonce, plain, nil)
}

func TestOpenGCMFormats(t *testing.T) {
	plain := []byte(`[{"id":1}]`)
	legacy := sealGCM(t, plain, "pw")
	got, format, err := open(legacy, "pw")
	if err != nil || format != formatLegacyGCM || !bytes.Equal(got, plain) {
		t.Errorf("legacy open() = %q, %s, %v", got, format, err)
	}
	tagged := append([]byte(formatGCM), sealGCM(t, plain, "pw")...)
	got, format, err = open(tagged, "pw")
	if err != nil || format != formatGCM || !bytes.Equal(got, plain) {
		t.Errorf("GCM open() = %q, %s, %v", got, format, err)
	}
}

func TestPKCS7(t *testing.T) {
	for n := 0; n < 40; n++ {
		data := bytes.Repeat([]byte{'a'}, n)
		padded := applyPKCS7Padding(data, aes.BlockSize)
		if len(padded)%aes.BlockSize != 0 || len(padded) == n {
			t.Fatalf("padding %d bytes gave %d", n, len(padded))
		}
		got, err := removePKCS7Padding(padded)
		if err != nil || !bytes.Equal(got, data) {
			t.Fatalf("unpad %d bytes = %q, %v", n, got, err)
		}
	}
}
