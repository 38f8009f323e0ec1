package keystore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

const (
	saltFileName = ".seal.salt"
	saltSize     = 32

	// scrypt parameters for AES-256
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// sealMagic prefixes every sealed key file
var sealMagic = []byte("KBS1")

var (
	ErrNotSealed    = errors.New("key file is not sealed")
	ErrUnsealFailed = errors.New("failed to unseal key file")
)

// sealer encrypts key files with AES-256-GCM
type sealer struct {
	aead cipher.AEAD
}

// newSealer derives the store key from passphrase and the salt kept in root,
// creating the salt on first use.
func newSealer(root, passphrase string) (*sealer, error) {
	if passphrase == "" {
		return nil, errors.New("sealing passphrase cannot be empty")
	}

	salt, err := loadOrCreateSalt(filepath.Join(root, saltFileName))
	if err != nil {
		return nil, err
	}

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &sealer{aead: aead}, nil
}

// seal encrypts plaintext. fileName is bound as additional data so a sealed
// file cannot be swapped under another name.
func (s *sealer) seal(plaintext []byte, fileName string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(sealMagic)+len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, sealMagic...)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, []byte(fileName)), nil
}

func (s *sealer) open(sealed []byte, fileName string) ([]byte, error) {
	if !bytes.HasPrefix(sealed, sealMagic) {
		return nil, ErrNotSealed
	}
	body := sealed[len(sealMagic):]

	nonceSize := s.aead.NonceSize()
	if len(body) < nonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: truncated", ErrUnsealFailed)
	}

	plaintext, err := s.aead.Open(nil, body[:nonceSize], body[nonceSize:], []byte(fileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}
	return plaintext, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("invalid salt file %s: expected %d bytes, got %d", path, saltSize, len(salt))
		}
		return salt, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := writeFileAtomic(path, salt); err != nil {
		return nil, fmt.Errorf("failed to write salt: %w", err)
	}
	return salt, nil
}
