package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// FormatGCM marks objects sealed with Encrypt.
	FormatGCM = "GCM3NCR0"
	// FormatPlain is reported for objects stored without encryption.
	FormatPlain = "plain"

	saltSize   = 16
	nonceSize  = 12
	tagSize    = 16
	iterations = 100000
)

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals data with AES-256-GCM under a PBKDF2 key.
// Format: magic(8) + salt(16) + nonce(12) + ciphertext + tag(16)
func Encrypt(data []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(FormatGCM)+saltSize+nonceSize+len(data)+tagSize)
	out = append(out, FormatGCM...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

// Decrypt opens data produced by Encrypt. Data without the magic number is
// returned unchanged. The detected format is returned alongside.
func Decrypt(data []byte, password string) ([]byte, string, error) {
	if len(data) < len(FormatGCM) || string(data[:len(FormatGCM)]) != FormatGCM {
		return data, FormatPlain, nil
	}
	if password == "" {
		return nil, FormatGCM, fmt.Errorf("object is encrypted and no password was given")
	}
	if len(data) < len(FormatGCM)+saltSize+nonceSize+tagSize {
		return nil, FormatGCM, fmt.Errorf("GCM data too short: %d bytes", len(data))
	}

	off := len(FormatGCM)
	salt := data[off : off+saltSize]
	nonce := data[off+saltSize : off+saltSize+nonceSize]
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, FormatGCM, err
	}
	plaintext, err := gcm.Open(nil, nonce, data[off+saltSize+nonceSize:], nil)
	if err != nil {
		return nil, FormatGCM, fmt.Errorf("GCM decryption failed: %w", err)
	}
	log.Debug().Int("bytes", len(plaintext)).Msg("decrypted GCM object")
	return plaintext, FormatGCM, nil
}
