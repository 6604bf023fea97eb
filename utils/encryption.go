package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"mailcadence/config"
)

// Credentials at rest (SMTP, IMAP and OAuth secrets) are AES-CFB encrypted
// with a random IV prefixed to the ciphertext, then base64 URL-encoded.
// The empty string passes through untouched so optional fields stay empty.

func cipherBlock() (cipher.Block, error) {
	block, err := aes.NewCipher([]byte(config.AppConfig.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("bad encryption key: %w", err)
	}
	return block, nil
}

func Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := cipherBlock()
	if err != nil {
		return "", err
	}

	buf := make([]byte, aes.BlockSize+len(plaintext))
	iv := buf[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(buf[aes.BlockSize:], []byte(plaintext))

	return base64.URLEncoding.EncodeToString(buf), nil
}

func Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	block, err := cipherBlock()
	if err != nil {
		return "", err
	}

	buf, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("malformed ciphertext: %w", err)
	}
	if len(buf) < aes.BlockSize {
		return "", errors.New("ciphertext shorter than its IV")
	}

	iv, data := buf[:aes.BlockSize], buf[aes.BlockSize:]
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(data, data)

	return string(data), nil
}
