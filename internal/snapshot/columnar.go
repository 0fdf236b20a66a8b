package snapshot

import (
	"encoding/binary"
	"math"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// Columnar snapshot layout, little-endian throughout:
//
//	magic "COL1", dimension u32, count u64
//	doc_id column:      count * 16 bytes
//	external_id column: dictionary (u32 size, entries as u32 len + bytes)
//	                    followed by count * u32 dictionary indices
//	                    (0xFFFFFFFF marks an absent external id)
//	vector column:      count * dimension * f32
//	inserted_at column: count * i64 unix nanoseconds
//	payload column:     count * (u32 len + JSON bytes), len 0 marks absent
var columnarMagic = [4]byte{'C', 'O', 'L', '1'}

const noExternalID = ^uint32(0)

func encodeColumnar(docs []types.VectorDocument, dimension int) ([]byte, error) {
	buf := make([]byte, 0, 16+len(docs)*(16+dimension*4+8))
	buf = append(buf, columnarMagic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dimension))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(docs)))

	// doc_id column
	for _, doc := range docs {
		id := doc.DocID
		buf = append(buf, id[:]...)
	}

	// external_id dictionary column
	dict := make([]string, 0)
	dictIndex := make(map[string]uint32)
	indices := make([]uint32, len(docs))
	for i, doc := range docs {
		if doc.ExternalID == "" {
			indices[i] = noExternalID
			continue
		}
		idx, ok := dictIndex[doc.ExternalID]
		if !ok {
			idx = uint32(len(dict))
			dictIndex[doc.ExternalID] = idx
			dict = append(dict, doc.ExternalID)
		}
		indices[i] = idx
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(dict)))
	for _, entry := range dict {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entry)))
		buf = append(buf, entry...)
	}
	for _, idx := range indices {
		buf = binary.LittleEndian.AppendUint32(buf, idx)
	}

	// vector column
	for _, doc := range docs {
		for _, v := range doc.Vector {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}

	// inserted_at column
	for _, doc := range docs {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(doc.InsertedAt.UnixNano()))
	}

	// payload column
	for _, doc := range docs {
		if doc.Payload == nil {
			buf = binary.LittleEndian.AppendUint32(buf, 0)
			continue
		}
		blob, err := json.Marshal(doc.Payload)
		if err != nil {
			return nil, errors.Wrap(errors.KindSerialization, "encode payload column", err)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(blob)))
		buf = append(buf, blob...)
	}

	return buf, nil
}

type columnarReader struct {
	buf []byte
	off int
}

func (r *columnarReader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, errors.New(errors.KindCorruption, "columnar snapshot truncated")
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *columnarReader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *columnarReader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func decodeColumnar(data []byte) ([]types.VectorDocument, error) {
	r := &columnarReader{buf: data}

	head, err := r.bytes(4)
	if err != nil {
		return nil, err
	}
	if [4]byte(head) != columnarMagic {
		return nil, errors.New(errors.KindCorruption, "invalid columnar snapshot magic")
	}
	dim32, err := r.u32()
	if err != nil {
		return nil, err
	}
	count64, err := r.u64()
	if err != nil {
		return nil, err
	}
	dimension := int(dim32)
	count := int(count64)

	docs := make([]types.VectorDocument, count)

	for i := 0; i < count; i++ {
		raw, err := r.bytes(16)
		if err != nil {
			return nil, err
		}
		var id uuid.UUID
		copy(id[:], raw)
		docs[i].DocID = id
	}

	dictSize, err := r.u32()
	if err != nil {
		return nil, err
	}
	dict := make([]string, dictSize)
	for i := range dict {
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		raw, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		dict[i] = string(raw)
	}
	for i := 0; i < count; i++ {
		idx, err := r.u32()
		if err != nil {
			return nil, err
		}
		if idx == noExternalID {
			continue
		}
		if int(idx) >= len(dict) {
			return nil, errors.New(errors.KindCorruption, "external id dictionary index out of range")
		}
		docs[i].ExternalID = dict[idx]
	}

	for i := 0; i < count; i++ {
		vec := make([]float32, dimension)
		for j := range vec {
			bits, err := r.u32()
			if err != nil {
				return nil, err
			}
			vec[j] = math.Float32frombits(bits)
		}
		docs[i].Vector = vec
	}

	for i := 0; i < count; i++ {
		nanos, err := r.u64()
		if err != nil {
			return nil, err
		}
		docs[i].InsertedAt = time.Unix(0, int64(nanos)).UTC()
	}

	for i := 0; i < count; i++ {
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		blob, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		var payload map[string]any
		if err := json.Unmarshal(blob, &payload); err != nil {
			return nil, errors.Wrap(errors.KindCorruption, "decode payload column", err)
		}
		docs[i].Payload = payload
	}

	return docs, nil
}
