package types

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/strata-db/strata/pkg/errors"
)

// CollectionID uniquely identifies a collection within a node.
type CollectionID = uuid.UUID

// DocumentID uniquely identifies a document within a collection.
type DocumentID = uuid.UUID

// SegmentID uniquely identifies a persisted segment.
type SegmentID = uuid.UUID

// StreamID identifies a WAL stream, typically scoped per collection shard.
type StreamID = uuid.UUID

// NewID returns a fresh random 128-bit identifier.
func NewID() uuid.UUID {
	return uuid.New()
}

// DistanceMetric selects the similarity function for a collection.
type DistanceMetric string

const (
	MetricL2     DistanceMetric = "L2"
	MetricCosine DistanceMetric = "Cosine"
	MetricDot    DistanceMetric = "Dot"
)

// Valid reports whether the metric is one of the supported values.
func (m DistanceMetric) Valid() bool {
	switch m {
	case MetricL2, MetricCosine, MetricDot:
		return true
	}
	return false
}

// Higher-is-better metrics sort descending, distance metrics ascending.
func (m DistanceMetric) Descending() bool {
	return m == MetricDot
}

// Dimension limits for collection vectors.
const (
	MinDimension = 2
	MaxDimension = 4096
)

// VectorDocument is a stored vector with its payload.
type VectorDocument struct {
	DocID      DocumentID     `json:"doc_id"`
	ExternalID string         `json:"external_id,omitempty"`
	Vector     []float32      `json:"vector"`
	Payload    map[string]any `json:"payload,omitempty"`
	InsertedAt time.Time      `json:"inserted_at"`
}

// NewVectorDocument creates a document with a fresh id and the current
// timestamp.
func NewVectorDocument(vector []float32) VectorDocument {
	return VectorDocument{
		DocID:      NewID(),
		Vector:     vector,
		InsertedAt: time.Now().UTC(),
	}
}

// WithExternalID sets the external id and returns the document.
func (d VectorDocument) WithExternalID(id string) VectorDocument {
	d.ExternalID = id
	return d
}

// WithPayload sets the payload and returns the document.
func (d VectorDocument) WithPayload(payload map[string]any) VectorDocument {
	d.Payload = payload
	return d
}

// Validate checks the vector against the collection dimension and metric.
// Vectors must be finite; Cosine additionally rejects the zero vector.
func (d *VectorDocument) Validate(dimension int, metric DistanceMetric) error {
	return ValidateVector(d.Vector, dimension, metric)
}

// ValidateVector enforces the vector invariants shared by insert, query,
// and WAL replay paths.
func ValidateVector(vector []float32, dimension int, metric DistanceMetric) error {
	if len(vector) != dimension {
		return errors.Newf(errors.KindValidation,
			"vector dimension %d does not match collection dimension %d", len(vector), dimension)
	}
	allZero := true
	for _, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.New(errors.KindValidation, "vector contains NaN or infinite component")
		}
		if v != 0 {
			allZero = false
		}
	}
	if metric == MetricCosine && allZero {
		return errors.New(errors.KindValidation, "zero vector is not valid for cosine metric")
	}
	return nil
}

// CollectionDescriptor captures the immutable shape of a collection.
type CollectionDescriptor struct {
	CollectionID  CollectionID   `json:"collection_id"`
	Name          string         `json:"name"`
	VectorDim     int            `json:"vector_dim"`
	Metric        DistanceMetric `json:"distance_metric"`
	Replication   int            `json:"replication"`
	ShardCount    int            `json:"shard_count"`
	PayloadSchema map[string]any `json:"payload_schema,omitempty"`
	WalStreamID   StreamID       `json:"wal_stream_id"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Validate checks descriptor invariants at collection-create time.
func (d *CollectionDescriptor) Validate() error {
	if d.Name == "" {
		return errors.New(errors.KindValidation, "collection name cannot be empty")
	}
	if d.VectorDim < MinDimension || d.VectorDim > MaxDimension {
		return errors.Newf(errors.KindValidation,
			"vector dimension %d outside supported range [%d, %d]", d.VectorDim, MinDimension, MaxDimension)
	}
	if !d.Metric.Valid() {
		return errors.Newf(errors.KindValidation, "unknown distance metric %q", d.Metric)
	}
	return nil
}

// SegmentState tracks a segment's lifecycle.
type SegmentState string

const (
	SegmentActive SegmentState = "Active"
	SegmentSealed SegmentState = "Sealed"
)

// LSNRange is the inclusive range of log sequence numbers covered by a
// segment.
type LSNRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Overlaps reports whether two inclusive LSN ranges intersect.
func (r LSNRange) Overlaps(other LSNRange) bool {
	return r.Start <= other.End && other.Start <= r.End
}

// SegmentDescriptor describes one persisted segment of a collection.
// Once Sealed, segment contents are immutable.
type SegmentDescriptor struct {
	SegmentID        SegmentID    `json:"segment_id"`
	Collection       string       `json:"collection"`
	VectorDim        int          `json:"vector_dim"`
	RecordCount      uint64       `json:"record_count"`
	State            SegmentState `json:"state"`
	LSNRange         LSNRange     `json:"lsn_range"`
	CompressionLevel int          `json:"compression_level"`
	CreatedAt        time.Time    `json:"created_at"`
}

// CollectionManifest is the authoritative record of a collection's
// persisted segments, stored at collections/{name}/manifest.json.
type CollectionManifest struct {
	Collection    string              `json:"collection"`
	Dimension     int                 `json:"dimension"`
	Metric        DistanceMetric      `json:"metric"`
	Segments      []SegmentDescriptor `json:"segments"`
	Epoch         uint64              `json:"epoch"`
	LatestVersion uint64              `json:"latest_version"`
	TotalVectors  uint64              `json:"total_vectors"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// NewCollectionManifest creates an empty manifest for a new collection.
func NewCollectionManifest(name string, dimension int, metric DistanceMetric) *CollectionManifest {
	now := time.Now().UTC()
	return &CollectionManifest{
		Collection:    name,
		Dimension:     dimension,
		Metric:        metric,
		Segments:      []SegmentDescriptor{},
		Epoch:         0,
		LatestVersion: 0,
		TotalVectors:  0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AddSegment appends a segment descriptor and bumps the version counters.
// The caller persists the result under optimistic concurrency.
func (m *CollectionManifest) AddSegment(seg SegmentDescriptor) error {
	for _, existing := range m.Segments {
		if existing.SegmentID == seg.SegmentID {
			return errors.Newf(errors.KindConflict, "segment %s already in manifest", seg.SegmentID)
		}
		if existing.LSNRange.Overlaps(seg.LSNRange) && seg.RecordCount > 0 && existing.RecordCount > 0 {
			return errors.Newf(errors.KindConflict,
				"segment %s lsn range [%d,%d] overlaps segment %s",
				seg.SegmentID, seg.LSNRange.Start, seg.LSNRange.End, existing.SegmentID)
		}
	}
	m.Segments = append(m.Segments, seg)
	m.bump()
	return nil
}

// SealSegment transitions a segment to Sealed and bumps the version.
func (m *CollectionManifest) SealSegment(id SegmentID) error {
	for i := range m.Segments {
		if m.Segments[i].SegmentID == id {
			m.Segments[i].State = SegmentSealed
			m.bump()
			return nil
		}
	}
	return errors.Newf(errors.KindNotFound, "segment %s not in manifest", id)
}

// bump advances latest_version and epoch, recomputes total_vectors, and
// refreshes updated_at. Every manifest mutation funnels through here so
// the monotonicity invariants hold.
func (m *CollectionManifest) bump() {
	m.LatestVersion++
	m.Epoch++
	m.UpdatedAt = time.Now().UTC()
	var total uint64
	for _, seg := range m.Segments {
		total += seg.RecordCount
	}
	m.TotalVectors = total
}

// SnapshotFormat identifies the on-disk snapshot encoding.
type SnapshotFormat string

const (
	SnapshotJSON     SnapshotFormat = "json"
	SnapshotColumnar SnapshotFormat = "columnar"
)

// SnapshotMetadata is the sidecar persisted beside each snapshot object.
type SnapshotMetadata struct {
	SnapshotID   uuid.UUID      `json:"snapshot_id"`
	CollectionID CollectionID   `json:"collection_id"`
	VectorCount  uint64         `json:"vector_count"`
	Dimension    int            `json:"dimension"`
	CreatedAt    time.Time      `json:"created_at"`
	SizeBytes    uint64         `json:"size_bytes"`
	Compression  string         `json:"compression"`
	Format       SnapshotFormat `json:"format"`
}
