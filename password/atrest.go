package password

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const atRestKeySize = 24

var (
	// ErrCiphertext is returned when an encrypted hash cannot be decrypted.
	ErrCiphertext = errors.New("invalid encrypted hash")
	// ErrMissingSecret is returned when no password secret is configured.
	ErrMissingSecret = errors.New("password secret required")
)

// Encrypt seals plain with AES-192-CBC. The key is derived from secret with name as
// salt and the IV is the MD5 of name, so the same plaintext stored for two users yields
// different ciphertexts. The result is base64.
func Encrypt(plain, secret, name string) (string, error) {
	block, iv, err := cipherContext(secret, name)
	if err != nil {
		return "", err
	}
	data := pkcs7Pad([]byte(plain), block.BlockSize())
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func Decrypt(encoded, secret, name string) (string, error) {
	block, iv, err := cipherContext(secret, name)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return "", ErrCiphertext
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	plain, err := pkcs7Unpad(out, block.BlockSize())
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func cipherContext(secret, name string) (cipher.Block, []byte, error) {
	if secret == "" {
		return nil, nil, ErrMissingSecret
	}
	key := pbkdf2.Key([]byte(secret), []byte(name), 1, atRestKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	iv := md5.Sum([]byte(name))
	return block, iv[:], nil
}

func pkcs7Pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, size int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, ErrCiphertext
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrCiphertext
		}
	}
	return data[:len(data)-n], nil
}

// Vault stores argon2 hashes encrypted under the server password secret.
type Vault struct {
	hasher *Argon2
	secret string
}

// NewVault binds a hasher to the password secret.
func NewVault(hasher *Argon2, secret string) (*Vault, error) {
	if hasher == nil {
		return nil, errors.New("password hasher required")
	}
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Vault{hasher: hasher, secret: secret}, nil
}

// Seal hashes password and encrypts the hash for user name.
func (v *Vault) Seal(name, password string) (string, error) {
	hash, err := v.hasher.Hash(password)
	if err != nil {
		return "", err
	}
	return Encrypt(hash, v.secret, name)
}

// Verify decrypts the stored hash of name and compares password against it. An empty
// stored hash never matches.
func (v *Vault) Verify(name, password, sealed string) (bool, error) {
	if sealed == "" {
		return false, nil
	}
	hash, err := Decrypt(sealed, v.secret, name)
	if err != nil {
		return false, err
	}
	return v.hasher.Verify(password, hash)
}
