// Package segment implements the SEGv1 binary container used to persist
// vector batches to object storage: a fixed 64-byte header, a compressed
// vector block, an optional payload block, and a checksum footer.
package segment

import (
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"math"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"

	"github.com/strata-db/strata/pkg/errors"
)

var magic = [4]byte{'S', 'E', 'G', 'v'}

const (
	formatVersion = 1
	headerSize    = 64
	checksumSize  = 32
)

// CompressionType selects the vector block compression.
type CompressionType uint8

const (
	CompressionNone CompressionType = 0
	CompressionZstd CompressionType = 1
)

func compressionFromByte(b uint8) (CompressionType, error) {
	switch CompressionType(b) {
	case CompressionNone, CompressionZstd:
		return CompressionType(b), nil
	default:
		return 0, errors.Newf(errors.KindCorruption, "invalid compression type %d", b)
	}
}

// ChecksumType selects the footer checksum algorithm.
type ChecksumType uint8

const (
	// ChecksumXXH3 is a 128-bit XXH3 digest in the first 16 footer bytes.
	ChecksumXXH3 ChecksumType = 1
	// ChecksumCRC32C is a CRC32-Castagnoli in the first 4 footer bytes.
	ChecksumCRC32C ChecksumType = 2
)

func checksumFromByte(b uint8) (ChecksumType, error) {
	switch ChecksumType(b) {
	case ChecksumXXH3, ChecksumCRC32C:
		return ChecksumType(b), nil
	default:
		return 0, errors.Newf(errors.KindCorruption, "invalid checksum type %d", b)
	}
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// header is the fixed 64-byte SEGv1 header, little-endian throughout.
type header struct {
	dimension      uint32
	vectorCount    uint64
	vectorOffset   uint64
	metadataOffset uint64
	bitmapOffset   uint64
	hnswOffset     uint64
	checksumType   ChecksumType
}

func (h *header) marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], formatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], h.dimension)
	binary.LittleEndian.PutUint64(buf[12:20], h.vectorCount)
	binary.LittleEndian.PutUint64(buf[20:28], h.vectorOffset)
	binary.LittleEndian.PutUint64(buf[28:36], h.metadataOffset)
	binary.LittleEndian.PutUint64(buf[36:44], h.bitmapOffset)
	binary.LittleEndian.PutUint64(buf[44:52], h.hnswOffset)
	buf[52] = byte(h.checksumType)
	// bytes 53..63 reserved, zero
	return buf
}

func unmarshalHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, errors.New(errors.KindCorruption, "segment header truncated")
	}
	if [4]byte(buf[0:4]) != magic {
		return header{}, errors.Newf(errors.KindCorruption, "invalid magic bytes %q", buf[0:4])
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != formatVersion {
		return header{}, errors.Newf(errors.KindCorruption, "unsupported segment version %d", v)
	}
	ct, err := checksumFromByte(buf[52])
	if err != nil {
		return header{}, err
	}
	return header{
		dimension:      binary.LittleEndian.Uint32(buf[8:12]),
		vectorCount:    binary.LittleEndian.Uint64(buf[12:20]),
		vectorOffset:   binary.LittleEndian.Uint64(buf[20:28]),
		metadataOffset: binary.LittleEndian.Uint64(buf[28:36]),
		bitmapOffset:   binary.LittleEndian.Uint64(buf[36:44]),
		hnswOffset:     binary.LittleEndian.Uint64(buf[44:52]),
		checksumType:   ct,
	}, nil
}

// Data is the logical content of one segment. Payloads are optional and,
// when present, align with Vectors by index.
type Data struct {
	Dimension int
	Vectors   [][]float32
	Payloads  []map[string]any
}

// NewData validates that every vector matches the declared dimension.
func NewData(dimension int, vectors [][]float32) (*Data, error) {
	for i, vec := range vectors {
		if len(vec) != dimension {
			return nil, errors.Newf(errors.KindValidation,
				"vector at index %d has dimension %d, expected %d", i, len(vec), dimension)
		}
	}
	return &Data{Dimension: dimension, Vectors: vectors}, nil
}

// VectorCount returns the number of vectors in the segment.
func (d *Data) VectorCount() uint64 {
	return uint64(len(d.Vectors))
}

// Writer serializes segment data into SEGv1 bytes.
type Writer struct {
	compression CompressionType
	checksum    ChecksumType
	logger      *slog.Logger
}

// NewWriter creates a segment writer with the given compression and
// checksum algorithms.
func NewWriter(compression CompressionType, checksum ChecksumType) *Writer {
	return &Writer{
		compression: compression,
		checksum:    checksum,
		logger:      slog.Default().With("component", "segment-writer"),
	}
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Write serializes the segment: header, compressed vector block,
// optional payload block, checksum footer.
func (w *Writer) Write(data *Data) ([]byte, error) {
	if data == nil {
		return nil, errors.New(errors.KindValidation, "segment data cannot be nil")
	}
	if len(data.Payloads) > 0 && len(data.Payloads) != len(data.Vectors) {
		return nil, errors.Newf(errors.KindValidation,
			"payload count %d does not match vector count %d", len(data.Payloads), len(data.Vectors))
	}

	hdr := header{
		dimension:    uint32(data.Dimension),
		vectorCount:  data.VectorCount(),
		vectorOffset: headerSize,
		checksumType: w.checksum,
	}

	buf := make([]byte, headerSize, headerSize+len(data.Vectors)*data.Dimension*4+checksumSize)

	block, err := w.encodeVectorBlock(data)
	if err != nil {
		return nil, err
	}
	buf = append(buf, block...)

	if len(data.Payloads) > 0 {
		hdr.metadataOffset = uint64(len(buf))
		payloadBlock, err := encodePayloadBlock(data.Payloads)
		if err != nil {
			return nil, err
		}
		buf = append(buf, payloadBlock...)
	}

	copy(buf[:headerSize], hdr.marshal())

	checksum := computeChecksum(buf, w.checksum)
	buf = append(buf, checksum[:]...)

	w.logger.Debug("segment written",
		"vectors", data.VectorCount(), "dimension", data.Dimension, "bytes", len(buf))
	return buf, nil
}

// encodeVectorBlock flattens the vectors into little-endian f32 bytes and
// compresses them.
func (w *Writer) encodeVectorBlock(data *Data) ([]byte, error) {
	raw := make([]byte, 0, len(data.Vectors)*data.Dimension*4)
	var scratch [4]byte
	for _, vec := range data.Vectors {
		for _, v := range vec {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
			raw = append(raw, scratch[:]...)
		}
	}
	uncompressedSize := uint64(len(raw))

	var compressed []byte
	switch w.compression {
	case CompressionZstd:
		compressed = zstdEncoder.EncodeAll(raw, nil)
	default:
		compressed = raw
	}

	block := make([]byte, 0, 17+len(compressed))
	block = append(block, byte(w.compression))
	block = binary.LittleEndian.AppendUint64(block, uint64(len(compressed)))
	block = binary.LittleEndian.AppendUint64(block, uncompressedSize)
	block = append(block, compressed...)
	return block, nil
}

func encodePayloadBlock(payloads []map[string]any) ([]byte, error) {
	encoded, err := json.Marshal(payloads)
	if err != nil {
		return nil, errors.Wrap(errors.KindSerialization, "encode segment payloads", err)
	}
	block := make([]byte, 0, 8+len(encoded))
	block = binary.LittleEndian.AppendUint64(block, uint64(len(encoded)))
	block = append(block, encoded...)
	return block, nil
}

func computeChecksum(data []byte, ct ChecksumType) [checksumSize]byte {
	var out [checksumSize]byte
	switch ct {
	case ChecksumXXH3:
		h := xxh3.Hash128(data)
		binary.LittleEndian.PutUint64(out[0:8], h.Lo)
		binary.LittleEndian.PutUint64(out[8:16], h.Hi)
	case ChecksumCRC32C:
		binary.LittleEndian.PutUint32(out[0:4], crc32.Checksum(data, castagnoli))
	}
	return out
}

// Read parses and validates SEGv1 bytes: magic, version, and checksum
// are verified before decompression; any mismatch is Corruption.
func Read(data []byte) (*Data, error) {
	if len(data) < headerSize+checksumSize {
		return nil, errors.Newf(errors.KindCorruption,
			"segment too small: %d bytes, expected at least %d", len(data), headerSize+checksumSize)
	}

	hdr, err := unmarshalHeader(data[:headerSize])
	if err != nil {
		return nil, err
	}

	body := data[:len(data)-checksumSize]
	var stored [checksumSize]byte
	copy(stored[:], data[len(data)-checksumSize:])
	if computeChecksum(body, hdr.checksumType) != stored {
		return nil, errors.New(errors.KindCorruption, "checksum verification failed: data may be corrupted")
	}

	if hdr.vectorOffset > uint64(len(body)) {
		return nil, errors.New(errors.KindCorruption, "vector offset beyond segment body")
	}
	vectors, err := decodeVectorBlock(body[hdr.vectorOffset:], hdr.dimension, hdr.vectorCount)
	if err != nil {
		return nil, err
	}

	out := &Data{Dimension: int(hdr.dimension), Vectors: vectors}
	if hdr.metadataOffset != 0 {
		if hdr.metadataOffset > uint64(len(body)) {
			return nil, errors.New(errors.KindCorruption, "metadata offset beyond segment body")
		}
		payloads, err := decodePayloadBlock(body[hdr.metadataOffset:])
		if err != nil {
			return nil, err
		}
		if uint64(len(payloads)) != hdr.vectorCount {
			return nil, errors.Newf(errors.KindCorruption,
				"payload count %d does not match vector count %d", len(payloads), hdr.vectorCount)
		}
		out.Payloads = payloads
	}
	return out, nil
}

func decodeVectorBlock(block []byte, dimension uint32, vectorCount uint64) ([][]float32, error) {
	if len(block) < 17 {
		return nil, errors.New(errors.KindCorruption, "vector block truncated")
	}
	compression, err := compressionFromByte(block[0])
	if err != nil {
		return nil, err
	}
	compressedSize := binary.LittleEndian.Uint64(block[1:9])
	uncompressedSize := binary.LittleEndian.Uint64(block[9:17])
	if uint64(len(block)-17) < compressedSize {
		return nil, errors.New(errors.KindCorruption, "vector block shorter than declared size")
	}
	payload := block[17 : 17+compressedSize]

	var raw []byte
	switch compression {
	case CompressionZstd:
		raw, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, errors.Wrap(errors.KindCorruption, "decompress vector block", err)
		}
	default:
		raw = payload
	}

	if uint64(len(raw)) != uncompressedSize {
		return nil, errors.Newf(errors.KindCorruption,
			"decompressed size mismatch: expected %d, got %d", uncompressedSize, len(raw))
	}
	expected := uint64(dimension) * vectorCount * 4
	if uint64(len(raw)) != expected {
		return nil, errors.Newf(errors.KindCorruption,
			"vector data size mismatch: expected %d bytes, got %d", expected, len(raw))
	}

	vectors := make([][]float32, vectorCount)
	off := 0
	for i := range vectors {
		vec := make([]float32, dimension)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off : off+4]))
			off += 4
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func decodePayloadBlock(block []byte) ([]map[string]any, error) {
	if len(block) < 8 {
		return nil, errors.New(errors.KindCorruption, "payload block truncated")
	}
	size := binary.LittleEndian.Uint64(block[0:8])
	if uint64(len(block)-8) < size {
		return nil, errors.New(errors.KindCorruption, "payload block shorter than declared size")
	}
	var payloads []map[string]any
	if err := json.Unmarshal(block[8:8+size], &payloads); err != nil {
		return nil, errors.Wrap(errors.KindCorruption, "decode segment payloads", err)
	}
	return payloads, nil
}
