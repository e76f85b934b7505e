package raftstore

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"

	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/storage"
	"github.com/lk2023060901/raftsim/pkg/wire"
)

const (
	// snapshotMagic 快照流魔数 "RSNP"
	snapshotMagic uint32 = 0x52534e50

	// snapshotVersion 快照格式版本
	snapshotVersion uint16 = 1

	// headerSize magic(4) + version(2) + flags(2)
	headerSize = 8
)

// 压缩标志位
const (
	flagNone   uint16 = 0
	flagSnappy uint16 = 1 << 0
	flagZstd   uint16 = 1 << 1
	flagLZ4    uint16 = 1 << 2
)

// RecordType 快照记录类型
type RecordType uint8

const (
	// RecordMeta 区域元数据，总是第一条记录
	RecordMeta RecordType = iota + 1
	// RecordKV 一个键值对
	RecordKV

	// RecordEOF 快照结束标记，之后紧跟 4 字节校验和
	RecordEOF RecordType = 0xFF
)

// ErrSnapshotCorrupted 快照校验失败
var ErrSnapshotCorrupted = errors.New("raftstore: snapshot corrupted")

func compressionFlag(t wire.CompressionType) uint16 {
	switch t {
	case wire.CompressionSnappy:
		return flagSnappy
	case wire.CompressionZstd:
		return flagZstd
	case wire.CompressionLZ4:
		return flagLZ4
	default:
		return flagNone
	}
}

func flagCompression(flags uint16) wire.CompressionType {
	switch {
	case flags&flagSnappy != 0:
		return wire.CompressionSnappy
	case flags&flagZstd != 0:
		return wire.CompressionZstd
	case flags&flagLZ4 != 0:
		return wire.CompressionLZ4
	default:
		return wire.CompressionNone
	}
}

// SnapshotWriter 快照流写入器
// 格式: header + 记录* + EOF + checksum，记录为 type(1) + origLen(4) + compLen(4) + data
type SnapshotWriter struct {
	w          io.Writer
	compressor wire.Compressor
	hasher     wire.Hasher

	// 用于计算整体校验和
	written []byte
}

// NewSnapshotWriter 创建快照写入器并写入头部
func NewSnapshotWriter(w io.Writer, compression wire.CompressionType, checksum wire.ChecksumType) (*SnapshotWriter, error) {
	compressor, err := wire.NewCompressor(compression)
	if err != nil {
		return nil, errors.Wrap(err, "create compressor")
	}
	hasher, err := wire.NewHasher(checksum)
	if err != nil {
		return nil, errors.Wrap(err, "create hasher")
	}

	sw := &SnapshotWriter{
		w:          w,
		compressor: compressor,
		hasher:     hasher,
		written:    make([]byte, 0, 64*1024),
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], snapshotMagic)
	binary.BigEndian.PutUint16(header[4:6], snapshotVersion)
	binary.BigEndian.PutUint16(header[6:8], compressionFlag(compressor.Name()))
	if err := sw.write(header); err != nil {
		return nil, errors.Wrap(err, "write snapshot header")
	}
	return sw, nil
}

func (w *SnapshotWriter) write(p []byte) error {
	if _, err := w.w.Write(p); err != nil {
		return err
	}
	w.written = append(w.written, p...)
	return nil
}

// WriteRecord 写入一条记录
func (w *SnapshotWriter) WriteRecord(typ RecordType, data []byte) error {
	compressed, err := w.compressor.Compress(data)
	if err != nil {
		return errors.Wrap(err, "compress record")
	}

	record := make([]byte, 1+4+4+len(compressed))
	record[0] = byte(typ)
	binary.BigEndian.PutUint32(record[1:5], uint32(len(data)))
	binary.BigEndian.PutUint32(record[5:9], uint32(len(compressed)))
	copy(record[9:], compressed)

	return errors.Wrap(w.write(record), "write record")
}

// WriteMeta 写入区域元数据
func (w *SnapshotWriter) WriteMeta(m *storage.RegionMeta) error {
	data, err := wire.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode region meta")
	}
	return w.WriteRecord(RecordMeta, data)
}

// WriteKV 写入键值对
// 格式: keyLen(4) + key + value
func (w *SnapshotWriter) WriteKV(kv meta.KV) error {
	data := make([]byte, 4+len(kv.Key)+len(kv.Value))
	binary.BigEndian.PutUint32(data[0:4], uint32(len(kv.Key)))
	copy(data[4:4+len(kv.Key)], kv.Key)
	copy(data[4+len(kv.Key):], kv.Value)
	return w.WriteRecord(RecordKV, data)
}

// Finish 写入 EOF 与校验和
func (w *SnapshotWriter) Finish() error {
	if err := w.write([]byte{byte(RecordEOF)}); err != nil {
		return errors.Wrap(err, "write EOF")
	}
	crc := make([]byte, 4)
	binary.BigEndian.PutUint32(crc, w.hasher.Sum(w.written))
	_, err := w.w.Write(crc)
	return errors.Wrap(err, "write checksum")
}

// SnapshotReader 快照流读取器
type SnapshotReader struct {
	r          io.Reader
	compressor wire.Compressor
	hasher     wire.Hasher

	readData []byte
	eof      bool
}

// NewSnapshotReader 读取并校验头部
func NewSnapshotReader(r io.Reader, checksum wire.ChecksumType) (*SnapshotReader, error) {
	hasher, err := wire.NewHasher(checksum)
	if err != nil {
		return nil, errors.Wrap(err, "create hasher")
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "read snapshot header")
	}
	if binary.BigEndian.Uint32(header[0:4]) != snapshotMagic {
		return nil, errors.Wrap(ErrSnapshotCorrupted, "bad magic")
	}
	if v := binary.BigEndian.Uint16(header[4:6]); v != snapshotVersion {
		return nil, errors.Newf("raftstore: unsupported snapshot version %d", v)
	}
	compressor, err := wire.NewCompressor(flagCompression(binary.BigEndian.Uint16(header[6:8])))
	if err != nil {
		return nil, err
	}

	sr := &SnapshotReader{
		r:          r,
		compressor: compressor,
		hasher:     hasher,
		readData:   make([]byte, 0, 64*1024),
	}
	sr.readData = append(sr.readData, header...)
	return sr, nil
}

// SnapshotRecord 快照记录
type SnapshotRecord struct {
	Type RecordType
	Data []byte
}

// ReadRecord 读取一条记录；读到 EOF 时校验整体校验和
func (r *SnapshotReader) ReadRecord() (*SnapshotRecord, error) {
	if r.eof {
		return nil, io.EOF
	}

	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r.r, typeBuf); err != nil {
		return nil, errors.Wrap(err, "read record type")
	}
	r.readData = append(r.readData, typeBuf...)

	typ := RecordType(typeBuf[0])
	if typ == RecordEOF {
		r.eof = true
		crcBuf := make([]byte, 4)
		if _, err := io.ReadFull(r.r, crcBuf); err != nil {
			return nil, errors.Wrap(err, "read checksum")
		}
		if !r.hasher.Verify(r.readData, binary.BigEndian.Uint32(crcBuf)) {
			return nil, ErrSnapshotCorrupted
		}
		return &SnapshotRecord{Type: RecordEOF}, nil
	}

	lenBuf := make([]byte, 8)
	if _, err := io.ReadFull(r.r, lenBuf); err != nil {
		return nil, errors.Wrap(err, "read record length")
	}
	origLen := binary.BigEndian.Uint32(lenBuf[0:4])
	compLen := binary.BigEndian.Uint32(lenBuf[4:8])

	compressed := make([]byte, compLen)
	if _, err := io.ReadFull(r.r, compressed); err != nil {
		return nil, errors.Wrap(err, "read record data")
	}
	r.readData = append(r.readData, lenBuf...)
	r.readData = append(r.readData, compressed...)

	data, err := r.compressor.Decompress(compressed)
	if err != nil {
		return nil, errors.Wrap(err, "decompress record")
	}
	if uint32(len(data)) != origLen {
		return nil, errors.Wrapf(ErrSnapshotCorrupted, "record length mismatch: expected %d, got %d", origLen, len(data))
	}

	return &SnapshotRecord{Type: typ, Data: data}, nil
}

// ParseKV 从 KV 记录中解析键值对
func ParseKV(record *SnapshotRecord) (meta.KV, error) {
	if record.Type != RecordKV {
		return meta.KV{}, errors.Newf("raftstore: expected KV record, got type %d", record.Type)
	}
	if len(record.Data) < 4 {
		return meta.KV{}, errors.Wrap(ErrSnapshotCorrupted, "KV record too short")
	}
	keyLen := binary.BigEndian.Uint32(record.Data[0:4])
	if uint32(len(record.Data)) < 4+keyLen {
		return meta.KV{}, errors.Wrap(ErrSnapshotCorrupted, "KV record data incomplete")
	}
	return meta.KV{
		Key:   record.Data[4 : 4+keyLen],
		Value: record.Data[4+keyLen:],
	}, nil
}

// ReadSnapshot 读取完整快照流
func ReadSnapshot(r io.Reader, checksum wire.ChecksumType) (*storage.RegionMeta, []meta.KV, error) {
	sr, err := NewSnapshotReader(r, checksum)
	if err != nil {
		return nil, nil, err
	}

	var (
		region *storage.RegionMeta
		kvs    []meta.KV
	)
	for {
		record, err := sr.ReadRecord()
		if err != nil {
			return nil, nil, err
		}

		switch record.Type {
		case RecordEOF:
			if region == nil {
				return nil, nil, errors.Wrap(ErrSnapshotCorrupted, "missing region meta")
			}
			return region, kvs, nil
		case RecordMeta:
			var m storage.RegionMeta
			if err := wire.Unmarshal(record.Data, &m); err != nil {
				return nil, nil, errors.Wrap(err, "decode region meta")
			}
			region = &m
		case RecordKV:
			kv, err := ParseKV(record)
			if err != nil {
				return nil, nil, err
			}
			kvs = append(kvs, kv)
		default:
			return nil, nil, errors.Wrapf(ErrSnapshotCorrupted, "unknown record type %d", record.Type)
		}
	}
}

// regionSnapshot 区域在某个已应用位置的快照
// 数据在 Snapshot() 中一次性读出，Persist 可以与后续 Apply 并发执行
type regionSnapshot struct {
	region      *storage.RegionMeta
	kvs         []meta.KV
	compression wire.CompressionType
	checksum    wire.ChecksumType
}

// Persist 实现 raft.FSMSnapshot 接口
func (s *regionSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.writeTo(sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *regionSnapshot) writeTo(w io.Writer) error {
	sw, err := NewSnapshotWriter(w, s.compression, s.checksum)
	if err != nil {
		return err
	}
	if err := sw.WriteMeta(s.region); err != nil {
		return err
	}
	for _, kv := range s.kvs {
		if err := sw.WriteKV(kv); err != nil {
			return err
		}
	}
	return sw.Finish()
}

// Release 实现 raft.FSMSnapshot 接口
func (s *regionSnapshot) Release() {}
