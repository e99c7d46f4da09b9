package backup

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType selects the algorithm of the compress step
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionLZ4  CompressionType = "lz4"
	CompressionZstd CompressionType = "zstd"
)

// CompressionStats summarizes one compression operation
type CompressionStats struct {
	OriginalSize   int64           `json:"original_size"`
	CompressedSize int64           `json:"compressed_size"`
	Ratio          float64         `json:"ratio"`
	Algorithm      CompressionType `json:"algorithm"`
	Level          int             `json:"level"`
	Duration       time.Duration   `json:"duration"`
}

// Compressor wraps one algorithm's stream construction
type Compressor interface {
	Algorithm() CompressionType
	// NewWriter wraps w; writes are compressed. Close must be called to flush.
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)
	// NewReader wraps r; reads are decompressed.
	NewReader(r io.Reader) (io.ReadCloser, error)
	Extension() string
}

// CompressionManager holds the registered compressors. Dump artifacts can
// be very large, so all operations are streaming; nothing buffers a whole
// artifact in memory.
type CompressionManager struct {
	compressors map[CompressionType]Compressor
}

// NewCompressionManager creates a manager with gzip, lz4 and zstd registered
func NewCompressionManager() *CompressionManager {
	cm := &CompressionManager{compressors: make(map[CompressionType]Compressor)}
	cm.compressors[CompressionGzip] = gzipCompressor{}
	cm.compressors[CompressionLZ4] = lz4Compressor{}
	cm.compressors[CompressionZstd] = zstdCompressor{}
	return cm
}

// Compressor returns the compressor for an algorithm
func (cm *CompressionManager) Compressor(algorithm CompressionType) (Compressor, error) {
	c, ok := cm.compressors[algorithm]
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}
	return c, nil
}

// CompressFile compresses src into dst with the given algorithm and level
func (cm *CompressionManager) CompressFile(src, dst string, algorithm CompressionType, level int) (*CompressionStats, error) {
	c, err := cm.Compressor(algorithm)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	in, err := os.Open(src)
	if err != nil {
		return nil, NewStorageError("failed to open compression source", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return nil, NewStorageError("failed to create compression destination", err)
	}
	defer out.Close()

	w, err := c.NewWriter(out, level)
	if err != nil {
		return nil, err
	}
	written, err := io.Copy(w, in)
	if err != nil {
		w.Close()
		return nil, NewStorageError("compression copy failed", err)
	}
	if err := w.Close(); err != nil {
		return nil, NewStorageError("failed to flush compressed stream", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, NewStorageError("failed to stat compressed file", err)
	}

	ratio := 1.0
	if written > 0 {
		ratio = float64(info.Size()) / float64(written)
	}
	return &CompressionStats{
		OriginalSize:   written,
		CompressedSize: info.Size(),
		Ratio:          ratio,
		Algorithm:      algorithm,
		Level:          level,
		Duration:       time.Since(start),
	}, nil
}

// DecompressFile decompresses src into dst
func (cm *CompressionManager) DecompressFile(src, dst string, algorithm CompressionType) error {
	c, err := cm.Compressor(algorithm)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return NewStorageError("failed to open decompression source", err)
	}
	defer in.Close()

	r, err := c.NewReader(in)
	if err != nil {
		return err
	}
	defer r.Close()

	out, err := os.Create(dst)
	if err != nil {
		return NewStorageError("failed to create decompression destination", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return NewStorageError("decompression copy failed", err)
	}
	return nil
}

// gzip

type gzipCompressor struct{}

func (gzipCompressor) Algorithm() CompressionType { return CompressionGzip }
func (gzipCompressor) Extension() string          { return ".gz" }

func (gzipCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	gw, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, NewStorageError("failed to create gzip writer", err)
	}
	return gw, nil
}

func (gzipCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, NewStorageError("failed to create gzip reader", err)
	}
	return gr, nil
}

// lz4

type lz4Compressor struct{}

func (lz4Compressor) Algorithm() CompressionType { return CompressionLZ4 }
func (lz4Compressor) Extension() string          { return ".lz4" }

func (lz4Compressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	lw := lz4.NewWriter(w)
	if level > 6 {
		if err := lw.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, NewStorageError("failed to set lz4 compression level", err)
		}
	}
	return lw, nil
}

func (lz4Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

// zstd

type zstdCompressor struct{}

func (zstdCompressor) Algorithm() CompressionType { return CompressionZstd }
func (zstdCompressor) Extension() string          { return ".zst" }

func (zstdCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	encoderLevel := zstd.SpeedDefault
	switch {
	case level <= 1:
		encoderLevel = zstd.SpeedFastest
	case level <= 3:
		encoderLevel = zstd.SpeedDefault
	case level <= 6:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedBestCompression
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))
	if err != nil {
		return nil, NewStorageError("failed to create zstd writer", err)
	}
	return zw, nil
}

func (zstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, NewStorageError("failed to create zstd reader", err)
	}
	return zr.IOReadCloser(), nil
}
