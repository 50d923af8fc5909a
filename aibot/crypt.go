package aibot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	cryptSaltSize   = 16
	cryptNonceSize  = 12
	cryptKeySize    = 32
	cryptIterations = 100000
)

// ErrCiphertextInvalid is returned when an encrypted payload is
// malformed, truncated, or fails authentication.
var ErrCiphertextInvalid = errors.New("invalid ciphertext")

// cryptKey derives an AES-256 key from a user ID and shared secret with
// PBKDF2-HMAC-SHA256. The same (userID, secret, salt) always yields the
// same key, so tokens can be decrypted for the user they were stored for
// and no one else.
func cryptKey(userID string, secret string, salt []byte) []byte {
	password := fmt.Sprintf("%s:%s", userID, secret)
	return pbkdf2.Key(
		[]byte(password),
		salt,
		cryptIterations,
		cryptKeySize,
		sha256.New,
	)
}

// EncryptToken seals plaintext with AES-256-GCM under a key derived
// from userID and secret. The result is base64(salt || nonce || ciphertext).
func EncryptToken(userID string, secret string, plaintext string) (string, error) {
	salt := make([]byte, cryptSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	block, err := aes.NewCipher(cryptKey(userID, secret, salt))
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, cryptNonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)

	payload := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)

	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptToken reverses EncryptToken. Tampered or truncated input
// returns ErrCiphertextInvalid.
func DecryptToken(userID string, secret string, encoded string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	if len(payload) < cryptSaltSize+cryptNonceSize+1 {
		return "", ErrCiphertextInvalid
	}

	salt := payload[:cryptSaltSize]
	nonce := payload[cryptSaltSize : cryptSaltSize+cryptNonceSize]
	sealed := payload[cryptSaltSize+cryptNonceSize:]

	block, err := aes.NewCipher(cryptKey(userID, secret, salt))
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	return string(plaintext), nil
}
