package raftstore

import (
	"bytes"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/raftsim/pkg/meta"
	"github.com/lk2023060901/raftsim/pkg/storage"
	"github.com/lk2023060901/raftsim/pkg/wire"
)

func testRegion() *storage.RegionMeta {
	return &storage.RegionMeta{
		ID:           7,
		Range:        meta.KeyRange{Start: []byte("a"), End: []byte("m")},
		Version:      3,
		Peers:        []meta.Peer{{ID: 1, Node: 1}, {ID: 2, Node: 2}},
		LocalPeer:    1,
		AppliedIndex: 42,
		Children: []storage.ChildRegion{
			{ID: 8, Range: meta.KeyRange{Start: []byte("m")}, Peers: []meta.Peer{{ID: 3, Node: 1}}},
		},
	}
}

func writeTestSnapshot(t *testing.T, compression wire.CompressionType, checksum wire.ChecksumType, kvs []meta.KV) []byte {
	t.Helper()
	var buf bytes.Buffer
	snap := &regionSnapshot{region: testRegion(), kvs: kvs, compression: compression, checksum: checksum}
	require.NoError(t, snap.writeTo(&buf))
	return buf.Bytes()
}

func TestSnapshotRoundTrip(t *testing.T) {
	kvs := []meta.KV{
		{Key: []byte("apple"), Value: []byte("red")},
		{Key: []byte("banana"), Value: bytes.Repeat([]byte("y"), 4096)},
		{Key: []byte("cherry"), Value: nil},
	}

	for _, compression := range []wire.CompressionType{wire.CompressionNone, wire.CompressionSnappy, wire.CompressionLZ4, wire.CompressionZstd} {
		for _, checksum := range []wire.ChecksumType{wire.ChecksumCRC32C, wire.ChecksumXXHash} {
			t.Run(string(compression)+"/"+string(checksum), func(t *testing.T) {
				data := writeTestSnapshot(t, compression, checksum, kvs)

				region, got, err := ReadSnapshot(bytes.NewReader(data), checksum)
				require.NoError(t, err)
				assert.Equal(t, meta.GroupID(7), region.ID)
				assert.True(t, region.Range.Equal(testRegion().Range))
				assert.Equal(t, uint64(42), region.AppliedIndex)
				require.Len(t, region.Children, 1)
				assert.Equal(t, meta.GroupID(8), region.Children[0].ID)

				require.Len(t, got, len(kvs))
				for i := range kvs {
					assert.Equal(t, kvs[i].Key, got[i].Key)
					assert.Equal(t, len(kvs[i].Value), len(got[i].Value))
				}
			})
		}
	}
}

func TestSnapshotDetectsCorruption(t *testing.T) {
	data := writeTestSnapshot(t, wire.CompressionNone, wire.ChecksumCRC32C, []meta.KV{
		{Key: []byte("k"), Value: []byte("value")},
	})

	corrupted := append([]byte(nil), data...)
	corrupted[len(corrupted)-1] ^= 0xFF

	_, _, err := ReadSnapshot(bytes.NewReader(corrupted), wire.ChecksumCRC32C)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSnapshotCorrupted))
}

func TestSnapshotBadMagic(t *testing.T) {
	data := writeTestSnapshot(t, wire.CompressionNone, wire.ChecksumCRC32C, nil)
	data[0] = 'X'

	_, err := NewSnapshotReader(bytes.NewReader(data), wire.ChecksumCRC32C)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSnapshotCorrupted))
}

func TestSnapshotTruncated(t *testing.T) {
	data := writeTestSnapshot(t, wire.CompressionSnappy, wire.ChecksumCRC32C, []meta.KV{
		{Key: []byte("k"), Value: []byte("value")},
	})

	_, _, err := ReadSnapshot(bytes.NewReader(data[:len(data)-6]), wire.ChecksumCRC32C)
	require.Error(t, err)
}

func TestSnapshotReaderStopsAfterEOF(t *testing.T) {
	data := writeTestSnapshot(t, wire.CompressionNone, wire.ChecksumCRC32C, nil)

	sr, err := NewSnapshotReader(bytes.NewReader(data), wire.ChecksumCRC32C)
	require.NoError(t, err)

	rec, err := sr.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, RecordMeta, rec.Type)

	rec, err = sr.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, RecordEOF, rec.Type)

	_, err = sr.ReadRecord()
	assert.Equal(t, io.EOF, err)
}

func TestParseKVRejectsShortRecord(t *testing.T) {
	_, err := ParseKV(&SnapshotRecord{Type: RecordKV, Data: []byte{0, 0}})
	assert.True(t, errors.Is(err, ErrSnapshotCorrupted))

	_, err = ParseKV(&SnapshotRecord{Type: RecordKV, Data: []byte{0, 0, 0, 9, 'a'}})
	assert.True(t, errors.Is(err, ErrSnapshotCorrupted))

	_, err = ParseKV(&SnapshotRecord{Type: RecordMeta})
	assert.Error(t, err)
}
