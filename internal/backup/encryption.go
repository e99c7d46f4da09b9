package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const encryptionChunkSize = 4 << 20 // 4 MiB plaintext per sealed frame

// EncryptionConfig controls the optional encrypt step of the transform chain
type EncryptionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Key       string `yaml:"key"`         // hex-encoded 32-byte key
	KeyEnvVar string `yaml:"key_env_var"` // read the key from this env var when Key is empty
}

// GetKey resolves the configured key
func (c *EncryptionConfig) GetKey() ([]byte, error) {
	raw := c.Key
	if raw == "" && c.KeyEnvVar != "" {
		raw = os.Getenv(c.KeyEnvVar)
	}
	if raw == "" {
		return nil, NewConfigurationError("encryption enabled but no key configured", nil)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, NewConfigurationError("encryption key is not valid hex", err)
	}
	if len(key) != 32 {
		return nil, NewConfigurationError("encryption key must be 32 bytes for AES-256", nil)
	}
	return key, nil
}

// EncryptionManager performs AES-256-GCM encryption of backup artifacts.
// Artifacts are sealed as a sequence of framed chunks so dumps larger than
// memory stream through; each frame is nonce-prefixed and authenticated.
type EncryptionManager struct {
	config *EncryptionConfig
}

// NewEncryptionManager creates a new encryption manager
func NewEncryptionManager(config *EncryptionConfig) *EncryptionManager {
	return &EncryptionManager{config: config}
}

// IsEnabled returns whether encryption is enabled
func (em *EncryptionManager) IsEnabled() bool {
	return em.config != nil && em.config.Enabled
}

// Algorithm returns the cipher in use
func (em *EncryptionManager) Algorithm() string {
	if !em.IsEnabled() {
		return "NONE"
	}
	return "AES-256-GCM"
}

func (em *EncryptionManager) gcm() (cipher.AEAD, error) {
	key, err := em.config.GetKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewBackupError(ErrorKindConfiguration, "failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewBackupError(ErrorKindConfiguration, "failed to create GCM cipher", err)
	}
	return gcm, nil
}

// EncryptFile seals src into dst
func (em *EncryptionManager) EncryptFile(src, dst string) error {
	gcm, err := em.gcm()
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return NewStorageError("failed to open encryption source", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return NewStorageError("failed to create encryption destination", err)
	}
	defer out.Close()

	buf := make([]byte, encryptionChunkSize)
	for {
		n, readErr := io.ReadFull(in, buf)
		if n > 0 {
			nonce := make([]byte, gcm.NonceSize())
			if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
				return NewStorageError("failed to generate nonce", err)
			}
			sealed := gcm.Seal(nonce, nonce, buf[:n], nil)
			var frameLen [4]byte
			putUint32(frameLen[:], uint32(len(sealed)))
			if _, err := out.Write(frameLen[:]); err != nil {
				return NewStorageError("failed to write encrypted frame", err)
			}
			if _, err := out.Write(sealed); err != nil {
				return NewStorageError("failed to write encrypted frame", err)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return NewStorageError("failed to read encryption source", readErr)
		}
	}
	return nil
}

// DecryptFile opens src sealed by EncryptFile into dst
func (em *EncryptionManager) DecryptFile(src, dst string) error {
	gcm, err := em.gcm()
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return NewStorageError("failed to open decryption source", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return NewStorageError("failed to create decryption destination", err)
	}
	defer out.Close()

	var frameLen [4]byte
	for {
		if _, err := io.ReadFull(in, frameLen[:]); err != nil {
			if err == io.EOF {
				break
			}
			return NewIntegrityError("truncated encrypted artifact", err)
		}
		size := getUint32(frameLen[:])
		if size < uint32(gcm.NonceSize()) || size > encryptionChunkSize+uint32(gcm.NonceSize())+uint32(gcm.Overhead()) {
			return NewIntegrityError(fmt.Sprintf("implausible encrypted frame size %d", size), nil)
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(in, frame); err != nil {
			return NewIntegrityError("truncated encrypted frame", err)
		}
		nonce, ciphertext := frame[:gcm.NonceSize()], frame[gcm.NonceSize():]
		plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return NewIntegrityError("failed to authenticate encrypted frame", err)
		}
		if _, err := out.Write(plaintext); err != nil {
			return NewStorageError("failed to write decrypted data", err)
		}
	}
	return nil
}

// DeriveKey derives a 32-byte key from a passphrase using PBKDF2-SHA256
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, 100_000, 32, sha256.New)
}

// GenerateKey generates a random 256-bit key, hex-encoded
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", NewStorageError("failed to generate encryption key", err)
	}
	return hex.EncodeToString(key), nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
