package backup

import (
	"os"
)

// TransformResult describes the artifact file after the full chain ran
type TransformResult struct {
	Path              string
	Bytes             int64
	UncompressedBytes int64
	Checksum          string
	Compressed        bool
	Encrypted         bool
}

// TransformChain applies the fixed artifact pipeline
// dump -> compress -> encrypt and records the checksum over the final
// bytes on disk. Invert undoes the steps in reverse order.
type TransformChain struct {
	compression CompressionManager
	encryption  *EncryptionManager
	algorithm   CompressionType
	level       int
	compress    bool
}

// NewTransformChain builds a chain. algorithm is ignored when compress is false.
func NewTransformChain(compress bool, algorithm CompressionType, level int, encryption *EncryptionManager) *TransformChain {
	return &TransformChain{
		compression: *NewCompressionManager(),
		encryption:  encryption,
		algorithm:   algorithm,
		level:       level,
		compress:    compress && algorithm != CompressionNone,
	}
}

// Apply runs the chain over the dump file at path. Intermediate files are
// removed as each step completes; the returned path is the final artifact.
func (tc *TransformChain) Apply(path string) (*TransformResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, NewStorageError("failed to stat dump file", err)
	}

	result := &TransformResult{
		Path:              path,
		UncompressedBytes: info.Size(),
	}

	current := path
	if tc.compress {
		c, err := tc.compression.Compressor(tc.algorithm)
		if err != nil {
			return nil, err
		}
		compressed := current + c.Extension()
		if _, err := tc.compression.CompressFile(current, compressed, tc.algorithm, tc.level); err != nil {
			return nil, err
		}
		if err := os.Remove(current); err != nil {
			return nil, NewStorageError("failed to remove pre-compression file", err)
		}
		current = compressed
		result.Compressed = true
	}

	if tc.encryption != nil && tc.encryption.IsEnabled() {
		encrypted := current + ".enc"
		if err := tc.encryption.EncryptFile(current, encrypted); err != nil {
			return nil, err
		}
		if err := os.Remove(current); err != nil {
			return nil, NewStorageError("failed to remove pre-encryption file", err)
		}
		current = encrypted
		result.Encrypted = true
	}

	finalInfo, err := os.Stat(current)
	if err != nil {
		return nil, NewStorageError("failed to stat artifact", err)
	}
	checksum, err := ChecksumFile(current)
	if err != nil {
		return nil, err
	}

	result.Path = current
	result.Bytes = finalInfo.Size()
	result.Checksum = checksum
	return result, nil
}

// Invert reverses the recorded transforms of an artifact into dst.
// The artifact's flags, not the chain's configuration, drive which inverse
// steps run, so artifacts written under older settings restore correctly.
func (tc *TransformChain) Invert(artifact *Artifact, dst string) error {
	current := artifact.Path

	cleanups := []string{}
	defer func() {
		for _, f := range cleanups {
			os.Remove(f)
		}
	}()

	if artifact.Encrypted {
		if tc.encryption == nil || !tc.encryption.IsEnabled() {
			return NewConfigurationError("artifact is encrypted but no encryption key is configured", nil)
		}
		decrypted := dst + ".dec"
		if err := tc.encryption.DecryptFile(current, decrypted); err != nil {
			return err
		}
		cleanups = append(cleanups, decrypted)
		current = decrypted
	}

	if artifact.Compressed {
		if err := tc.compression.DecompressFile(current, dst, tc.algorithm); err != nil {
			return err
		}
		return nil
	}

	// No compression step to undo; move (or copy) what we have to dst.
	if current == artifact.Path {
		return copyFile(current, dst)
	}
	cleanups = cleanups[:0]
	return os.Rename(current, dst)
}

// Encryption exposes the chain's encryption manager so callers handling
// pre-compressed artifacts can build a reduced chain around it
func (tc *TransformChain) Encryption() *EncryptionManager {
	return tc.encryption
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return NewStorageError("failed to read file for copy", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return NewStorageError("failed to write file copy", err)
	}
	return nil
}
