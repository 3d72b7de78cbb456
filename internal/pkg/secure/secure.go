package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// The initialization vector is a 16-character random string prepended to the
// ciphertext. Decrypt expects exactly this layout; payloads encrypted by older
// deployments share it.
const aesIVPrefixLength = 16

// Encrypt encodes the plaintext as base64, encrypts it with AES-256-CTR into
// hex, and prepends the initialization vector.
func Encrypt(plaintext string, key string) (string, error) {
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	iv, err := RandomString(aesIVPrefixLength)
	if err != nil {
		return "", err
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(plaintext))
	out := make([]byte, len(encoded))
	cipher.NewCTR(block, []byte(iv)).XORKeyStream(out, []byte(encoded))
	return iv + hex.EncodeToString(out), nil
}

// Decrypt splits the initialization vector prefix from the hex ciphertext,
// decrypts, and decodes the base64 plaintext.
func Decrypt(ivAndCiphertext string, key string) (string, error) {
	if len(ivAndCiphertext) < aesIVPrefixLength {
		return "", fmt.Errorf("ciphertext shorter than IV prefix")
	}
	iv := ivAndCiphertext[:aesIVPrefixLength]
	raw, err := hex.DecodeString(ivAndCiphertext[aesIVPrefixLength:])
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	decoded := make([]byte, len(raw))
	cipher.NewCTR(block, []byte(iv)).XORKeyStream(decoded, raw)
	plaintext, err := base64.StdEncoding.DecodeString(string(decoded))
	if err != nil {
		return "", fmt.Errorf("decoding plaintext: %w", err)
	}
	return string(plaintext), nil
}

// HashEmail returns the hex HMAC-SHA512 of the email under the given salt.
func HashEmail(email, salt string) string {
	mac := hmac.New(sha512.New, []byte(salt))
	mac.Write([]byte(email))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashPassword hashes a password with bcrypt at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// ComparePassword reports whether the provided password matches the hash.
func ComparePassword(hashed, provided string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(provided)) == nil
}

// RandomString returns a random hex string of the requested length.
func RandomString(length int) (string, error) {
	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(buf)[:length], nil
}

// GenerateEmailConfirmCode returns a fresh email confirmation code.
func GenerateEmailConfirmCode() (string, error) {
	return RandomString(32)
}
