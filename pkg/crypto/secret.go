package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
)

// secret.go - шифрование ключей торговых аккаунтов (AES-256-GCM)
//
// Файл аккаунтов хранит api_secret / passphrase в виде base64(nonce || ciphertext || tag).
// Ключ задаётся переменной ENCRYPTION_KEY.

var (
	ErrInvalidKeyLength   = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
)

// KeySize - длина ключа AES-256
const KeySize = 32

// SecretBox шифрует и расшифровывает секреты одним ключом
type SecretBox struct {
	gcm cipher.AEAD
}

// NewSecretBox создаёт SecretBox для 32-байтного ключа
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretBox{gcm: gcm}, nil
}

// ParseKey принимает ключ как 32 сырых байта, 64 hex-символа или base64
func ParseKey(s string) ([]byte, error) {
	switch {
	case len(s) == KeySize:
		return []byte(s), nil
	case len(s) == KeySize*2:
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == KeySize {
		return key, nil
	}
	return nil, ErrInvalidKeyLength
}

// Seal шифрует plaintext, результат в base64
func (b *SecretBox) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := b.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open расшифровывает результат Seal и проверяет тег аутентификации
func (b *SecretBox) Open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := b.gcm.NonceSize()
	if len(raw) < nonceSize+b.gcm.Overhead() {
		return "", ErrCiphertextTooShort
	}

	plaintext, err := b.gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateKey генерирует случайный 32-байтный ключ
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
