package storage

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"
)

// Envelope formats recognised on read. New objects are always written as
// formatCBC.
const (
	formatGCM       = "GCM3NCR0"
	formatCBC       = "3NCR0PTD"
	formatLegacyGCM = "legacy_gcm"

	kdfIterations = 100000
)

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfIterations, 32, sha256.New)
}

// seal encrypts data as magic(8) + hash(32) + length(8) + salt(16) + iv(16) + ciphertext.
func seal(data []byte, password string) ([]byte, error) {
	salt := make([]byte, 16)
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := applyPKCS7Padding(data, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	body := make([]byte, 0, 32+len(ciphertext))
	body = append(body, salt...)
	body = append(body, iv...)
	body = append(body, ciphertext...)
	hash := sha256.Sum256(body)

	out := make([]byte, 0, 8+32+8+len(body))
	out = append(out, formatCBC...)
	out = append(out, hash[:]...)
	out = binary.BigEndian.AppendUint64(out, uint64(len(body)))
	out = append(out, body...)
	return out, nil
}

// open decrypts any supported envelope and reports which one it was.
func open(data []byte, password string) ([]byte, string, error) {
	if len(data) < 8 {
		return nil, "", fmt.Errorf("encrypted data too short: %d bytes", len(data))
	}
	switch string(data[:8]) {
	case formatGCM:
		plain, err := openGCM(data[8:], password)
		return plain, formatGCM, err
	case formatCBC:
		plain, err := openCBC(data[8:], password)
		return plain, formatCBC, err
	default:
		log.Debug().Msg("no magic number found, trying legacy GCM fallback")
		plain, err := openGCM(data, password)
		return plain, formatLegacyGCM, err
	}
}

// openGCM reads salt(16) + nonce(12) + ciphertext with tag.
func openGCM(data []byte, password string) ([]byte, error) {
	if len(data) < 16+12+16 {
		return nil, fmt.Errorf("GCM data too short: %d bytes", len(data))
	}
	salt, nonce, sealed := data[:16], data[16:28], data[28:]
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("GCM decryption failed: %w", err)
	}
	return plain, nil
}

// openCBC reads hash(32) + length(8) + salt(16) + iv(16) + ciphertext.
func openCBC(data []byte, password string) ([]byte, error) {
	if len(data) < 32+8+16+16 {
		return nil, fmt.Errorf("CBC data too short: %d bytes", len(data))
	}
	stored := data[:32]
	length := binary.BigEndian.Uint64(data[32:40])
	body := data[40:]
	if uint64(len(body)) != length {
		return nil, fmt.Errorf("length mismatch: expected %d, got %d", length, len(body))
	}
	sum := sha256.Sum256(body)
	if !bytes.Equal(stored, sum[:]) {
		return nil, fmt.Errorf("hash verification failed - data corrupted")
	}

	salt, iv, ciphertext := body[:16], body[16:32], body[32:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext is not a multiple of block size")
	}
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	unpadded, err := removePKCS7Padding(plain)
	if err != nil {
		return nil, fmt.Errorf("CBC decryption failed: %w", err)
	}
	return unpadded, nil
}

func applyPKCS7Padding(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+padding)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func removePKCS7Padding(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding length: %d", n)
	}
	for i := len(data) - n; i < len(data); i++ {
		if data[i] != byte(n) {
			return nil, fmt.Errorf("invalid padding at position %d", i)
		}
	}
	return data[:len(data)-n], nil
}
