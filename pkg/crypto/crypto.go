package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

func ComputeHMAC256(toSign []byte, secretKey string) string {
	h := hmac.New(sha256.New, []byte(secretKey))
	h.Write(toSign)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// takes a string and secretkey to sign, and compares it to the provided signature
// it can also verify x first characters, that's enough entropy for userID+HMAC verification
func VerifyHMAC(secretKey string, toSign []byte, providedSign string, compareOnlyFirstCharacters int) (isValid bool) {

	signed := ComputeHMAC256(toSign, secretKey)

	// compare all, or if text to sign is smaller than the limit of chars
	if compareOnlyFirstCharacters == 0 || len(toSign) < compareOnlyFirstCharacters || len(signed) < compareOnlyFirstCharacters {
		return signed == providedSign
	}

	// too much characters to compare

	if len(providedSign) < compareOnlyFirstCharacters {
		return false
	}

	signed = signed[0:compareOnlyFirstCharacters]
	providedSign = providedSign[0:compareOnlyFirstCharacters]

	return signed == providedSign
}

func Sha256Hash(str string) []byte {
	hash := sha256.Sum256([]byte(str))
	return hash[:]
}

// https://golang.org/src/crypto/cipher/example_test.go
func EncryptString(str string, passphrase string) (string, error) {

	data := []byte(str)

	block, _ := aes.NewCipher(Sha256Hash(passphrase))

	gcm, err := cipher.NewGCM(block)

	if err != nil {
		return "", fmt.Errorf("EncryptString error: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())

	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("EncryptString reader error: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, data, nil)

	return fmt.Sprintf("%x", ciphertext), nil
}

func Decrypt(data []byte, passphrase string) ([]byte, error) {

	block, err := aes.NewCipher(Sha256Hash(passphrase))

	if err != nil {
		return nil, fmt.Errorf("Decrypt new cipher error: %w", err)
	}

	gcm, err := cipher.NewGCM(block)

	if err != nil {
		return nil, fmt.Errorf("Decrypt new gcm error: %w", err)
	}

	nonceSize := gcm.NonceSize()

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)

	if err != nil {
		return nil, fmt.Errorf("Decrypt open gcm error: %w", err)
	}

	return plaintext, nil
}

func DecryptFromHexString(str string, passphrase string) (string, error) {

	if str == "" {
		return "", fmt.Errorf("DecryptFromHexString empty string")
	}

	data, err := hex.DecodeString(str)

	if err != nil {
		return "", fmt.Errorf("DecryptFromHexString decode error: %w", err)
	}

	decodedBytes, errDec := Decrypt(data, passphrase)

	if errDec != nil {
		return "", fmt.Errorf("DecryptFromHexString decrypt error: %w", errDec)
	}

	return string(decodedBytes), nil
}

// SignWebhookPayload computes the hex-encoded HMAC-SHA256 signature over
// "<unix-seconds>.<raw-body>", the canonical signing input for outbound
// delivery attempts.
func SignWebhookPayload(timestamp int64, body []byte, secret string) string {
	toSign := make([]byte, 0, 20+1+len(body))
	toSign = append(toSign, []byte(fmt.Sprintf("%d.", timestamp))...)
	toSign = append(toSign, body...)
	return ComputeHMAC256(toSign, secret)
}

// VerifyWebhookSignature performs a constant-time comparison against a
// hex-encoded HMAC-SHA256 signature, guarding against timing attacks.
func VerifyWebhookSignature(timestamp int64, body []byte, secret, providedHex string) bool {
	expected := SignWebhookPayload(timestamp, body, secret)
	return hmac.Equal([]byte(expected), []byte(providedHex))
}
