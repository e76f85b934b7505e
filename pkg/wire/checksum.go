package wire

import (
	"fmt"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

// ChecksumType 校验算法类型
type ChecksumType string

const (
	// ChecksumCRC32 IEEE 多项式
	ChecksumCRC32 ChecksumType = "crc32"
	// ChecksumCRC32C Castagnoli 多项式，现代 CPU 有硬件加速
	ChecksumCRC32C ChecksumType = "crc32c"
	// ChecksumXXHash xxhash64 取低 32 位
	ChecksumXXHash ChecksumType = "xxhash"
)

// Hasher 校验和计算器
type Hasher interface {
	Sum(data []byte) uint32
	Verify(data []byte, expected uint32) bool
	Name() ChecksumType
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// NewHasher 按类型创建校验器
func NewHasher(t ChecksumType) (Hasher, error) {
	switch t {
	case ChecksumCRC32:
		return tableHasher{name: t, table: crc32.IEEETable}, nil
	case ChecksumCRC32C, "":
		return tableHasher{name: ChecksumCRC32C, table: castagnoli}, nil
	case ChecksumXXHash:
		return xxHasher{}, nil
	default:
		return nil, fmt.Errorf("unsupported checksum type: %s", t)
	}
}

// MustHasher 创建校验器，失败时 panic
func MustHasher(t ChecksumType) Hasher {
	h, err := NewHasher(t)
	if err != nil {
		panic(err)
	}
	return h
}

type tableHasher struct {
	name  ChecksumType
	table *crc32.Table
}

func (h tableHasher) Sum(data []byte) uint32 { return crc32.Checksum(data, h.table) }

func (h tableHasher) Verify(data []byte, expected uint32) bool { return h.Sum(data) == expected }

func (h tableHasher) Name() ChecksumType { return h.name }

type xxHasher struct{}

func (xxHasher) Sum(data []byte) uint32 { return uint32(xxhash.Sum64(data)) }

func (h xxHasher) Verify(data []byte, expected uint32) bool { return h.Sum(data) == expected }

func (xxHasher) Name() ChecksumType { return ChecksumXXHash }
