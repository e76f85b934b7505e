package wire

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType 压缩算法类型
type CompressionType string

const (
	CompressionNone   CompressionType = "none"
	CompressionSnappy CompressionType = "snappy"
	CompressionZstd   CompressionType = "zstd"
	CompressionLZ4    CompressionType = "lz4"
)

// Compressor 压缩器接口
type Compressor interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
	Name() CompressionType
}

// NewCompressor 按类型创建压缩器
func NewCompressor(t CompressionType) (Compressor, error) {
	switch t {
	case CompressionNone, "":
		return noneCompressor{}, nil
	case CompressionSnappy:
		return snappyCompressor{}, nil
	case CompressionLZ4:
		return lz4Compressor{}, nil
	case CompressionZstd:
		return sharedZstd()
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

type noneCompressor struct{}

func (noneCompressor) Compress(src []byte) ([]byte, error) { return append([]byte(nil), src...), nil }

func (noneCompressor) Decompress(src []byte) ([]byte, error) { return append([]byte(nil), src...), nil }

func (noneCompressor) Name() CompressionType { return CompressionNone }

type snappyCompressor struct{}

func (snappyCompressor) Compress(src []byte) ([]byte, error) { return snappy.Encode(nil, src), nil }

func (snappyCompressor) Decompress(src []byte) ([]byte, error) { return snappy.Decode(nil, src) }

func (snappyCompressor) Name() CompressionType { return CompressionSnappy }

// lz4Compressor 块格式：原始长度(4) + 标志(1) + 数据
// 标志为 0 表示数据不可压缩、按原样存储
type lz4Compressor struct{}

const (
	lz4Raw   byte = 0
	lz4Block byte = 1
)

func (lz4Compressor) Compress(src []byte) ([]byte, error) {
	dst := make([]byte, 5+lz4.CompressBlockBound(len(src)))
	binary.BigEndian.PutUint32(dst[0:4], uint32(len(src)))

	n, err := lz4.CompressBlock(src, dst[5:], nil)
	if err != nil {
		return nil, err
	}
	if n == 0 || n >= len(src) {
		dst[4] = lz4Raw
		return append(dst[:5], src...), nil
	}
	dst[4] = lz4Block
	return dst[:5+n], nil
}

func (lz4Compressor) Decompress(src []byte) ([]byte, error) {
	if len(src) < 5 {
		return nil, fmt.Errorf("lz4: truncated block (%d bytes)", len(src))
	}
	size := binary.BigEndian.Uint32(src[0:4])
	if src[4] == lz4Raw {
		return append([]byte(nil), src[5:]...), nil
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(src[5:], dst)
	if err != nil {
		return nil, err
	}
	if uint32(n) != size {
		return nil, fmt.Errorf("lz4: length mismatch: expected %d, got %d", size, n)
	}
	return dst, nil
}

func (lz4Compressor) Name() CompressionType { return CompressionLZ4 }

// zstdCompressor 编解码器在 EncodeAll/DecodeAll 模式下可并发使用，进程内共享一份
type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var (
	zstdOnce     sync.Once
	zstdInstance *zstdCompressor
	zstdErr      error
)

func sharedZstd() (Compressor, error) {
	zstdOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			zstdErr = err
			return
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			zstdErr = err
			return
		}
		zstdInstance = &zstdCompressor{encoder: enc, decoder: dec}
	})
	if zstdErr != nil {
		return nil, zstdErr
	}
	return zstdInstance, nil
}

func (c *zstdCompressor) Compress(src []byte) ([]byte, error) {
	return c.encoder.EncodeAll(src, nil), nil
}

func (c *zstdCompressor) Decompress(src []byte) ([]byte, error) {
	return c.decoder.DecodeAll(src, nil)
}

func (c *zstdCompressor) Name() CompressionType { return CompressionZstd }
