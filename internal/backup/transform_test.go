package backup

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return hex.EncodeToString(key)
}

func writeDump(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dump.sql")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestApplyWithoutTransformsChecksumsInPlace(t *testing.T) {
	chain := NewTransformChain(false, CompressionNone, 0, nil)
	path := writeDump(t, "SELECT 1;")

	result, err := chain.Apply(path)
	require.NoError(t, err)
	assert.Equal(t, path, result.Path)
	assert.False(t, result.Compressed)
	assert.False(t, result.Encrypted)

	expected, err := ChecksumFile(path)
	require.NoError(t, err)
	assert.Equal(t, expected, result.Checksum)
}

func TestApplyCompressesAndRemovesOriginal(t *testing.T) {
	chain := NewTransformChain(true, CompressionGzip, 6, nil)
	content := strings.Repeat("INSERT INTO t VALUES (1);\n", 1000)
	path := writeDump(t, content)

	result, err := chain.Apply(path)
	require.NoError(t, err)
	assert.True(t, result.Compressed)
	assert.Equal(t, path+".gz", result.Path)
	assert.Equal(t, int64(len(content)), result.UncompressedBytes)
	assert.Less(t, result.Bytes, result.UncompressedBytes)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "pre-compression file must be removed")
}

func TestApplyChecksumCoversFinalBytes(t *testing.T) {
	enc := NewEncryptionManager(&EncryptionConfig{Enabled: true, Key: testKey(t)})
	chain := NewTransformChain(true, CompressionGzip, 6, enc)
	path := writeDump(t, strings.Repeat("data", 500))

	result, err := chain.Apply(path)
	require.NoError(t, err)
	assert.True(t, result.Compressed)
	assert.True(t, result.Encrypted)

	onDisk, err := ChecksumFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, onDisk, result.Checksum)
}

func TestInvertRestoresOriginalContent(t *testing.T) {
	key := testKey(t)
	enc := NewEncryptionManager(&EncryptionConfig{Enabled: true, Key: key})
	chain := NewTransformChain(true, CompressionGzip, 6, enc)

	content := strings.Repeat("the quick brown fox\n", 2000)
	path := writeDump(t, content)

	result, err := chain.Apply(path)
	require.NoError(t, err)

	artifact := &Artifact{
		Path:       result.Path,
		Compressed: result.Compressed,
		Encrypted:  result.Encrypted,
	}
	dst := filepath.Join(t.TempDir(), "restored.sql")
	require.NoError(t, chain.Invert(artifact, dst))

	restored, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, string(restored))
}

func TestInvertFollowsArtifactFlagsNotChainConfig(t *testing.T) {
	// Artifact written without transforms, chain now configured with them.
	plain := NewTransformChain(false, CompressionNone, 0, nil)
	path := writeDump(t, "plain dump")
	result, err := plain.Apply(path)
	require.NoError(t, err)

	enc := NewEncryptionManager(&EncryptionConfig{Enabled: true, Key: testKey(t)})
	current := NewTransformChain(true, CompressionGzip, 6, enc)

	artifact := &Artifact{Path: result.Path, Compressed: false, Encrypted: false}
	dst := filepath.Join(t.TempDir(), "out.sql")
	require.NoError(t, current.Invert(artifact, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "plain dump", string(data))
}

func TestInvertEncryptedWithoutKeyFails(t *testing.T) {
	enc := NewEncryptionManager(&EncryptionConfig{Enabled: true, Key: testKey(t)})
	chain := NewTransformChain(false, CompressionNone, 0, enc)
	path := writeDump(t, "secret")
	result, err := chain.Apply(path)
	require.NoError(t, err)

	keyless := NewTransformChain(false, CompressionNone, 0, nil)
	artifact := &Artifact{Path: result.Path, Encrypted: true}
	err = keyless.Invert(artifact, filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.Equal(t, ErrorKindConfiguration, KindOf(err))
}

func TestDecryptTamperedArtifactFails(t *testing.T) {
	enc := NewEncryptionManager(&EncryptionConfig{Enabled: true, Key: testKey(t)})
	src := writeDump(t, strings.Repeat("sensitive", 100))
	dst := src + ".enc"
	require.NoError(t, enc.EncryptFile(src, dst))

	// Flip one ciphertext byte past the frame header.
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(dst, data, 0o644))

	err = enc.DecryptFile(dst, src+".dec")
	require.Error(t, err)
	assert.Equal(t, ErrorKindIntegrity, KindOf(err))
}

func TestEncryptionKeyValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  EncryptionConfig
	}{
		{"missing", EncryptionConfig{Enabled: true}},
		{"not hex", EncryptionConfig{Enabled: true, Key: "zz"}},
		{"wrong length", EncryptionConfig{Enabled: true, Key: "deadbeef"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cfg.GetKey()
			require.Error(t, err)
			assert.Equal(t, ErrorKindConfiguration, KindOf(err))
		})
	}
}

func TestGetKeyFromEnvironment(t *testing.T) {
	key := testKey(t)
	t.Setenv("BACKUP_ENCRYPTION_KEY", key)

	cfg := EncryptionConfig{Enabled: true, KeyEnvVar: "BACKUP_ENCRYPTION_KEY"}
	resolved, err := cfg.GetKey()
	require.NoError(t, err)
	assert.Equal(t, key, hex.EncodeToString(resolved))
}

func TestGenerateKeyIsUsable(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	cfg := EncryptionConfig{Enabled: true, Key: key}
	resolved, err := cfg.GetKey()
	require.NoError(t, err)
	assert.Len(t, resolved, 32)
}

func TestCompressionRoundTripPerAlgorithm(t *testing.T) {
	cm := NewCompressionManager()
	content := strings.Repeat("compressible line of text\n", 500)

	for _, algorithm := range []CompressionType{CompressionGzip, CompressionZstd, CompressionLZ4} {
		t.Run(string(algorithm), func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "in")
			require.NoError(t, os.WriteFile(src, []byte(content), 0o644))

			compressed := filepath.Join(dir, "out.c")
			stats, err := cm.CompressFile(src, compressed, algorithm, 3)
			require.NoError(t, err)
			assert.Less(t, stats.CompressedSize, stats.OriginalSize)

			restored := filepath.Join(dir, "restored")
			require.NoError(t, cm.DecompressFile(compressed, restored, algorithm))
			data, err := os.ReadFile(restored)
			require.NoError(t, err)
			assert.Equal(t, content, string(data))
		})
	}
}
