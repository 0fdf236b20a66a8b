package objectstore

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/strata-db/strata/pkg/errors"
)

// FailureMode describes one scripted outcome in a mock failure queue.
type FailureMode int

const (
	// FailureOK - the call succeeds.
	FailureOK FailureMode = iota
	// FailureTransient - the call fails with a transient error.
	FailureTransient
	// FailurePermanent - the call fails with a permanent error.
	FailurePermanent
)

// ScriptedFailure pairs a failure mode with its error message.
type ScriptedFailure struct {
	Mode    FailureMode
	Message string
}

// Transient returns a scripted transient failure.
func Transient(msg string) ScriptedFailure {
	return ScriptedFailure{Mode: FailureTransient, Message: msg}
}

// Permanent returns a scripted permanent failure.
func Permanent(msg string) ScriptedFailure {
	return ScriptedFailure{Mode: FailurePermanent, Message: msg}
}

// OK returns a scripted success.
func OK() ScriptedFailure {
	return ScriptedFailure{Mode: FailureOK}
}

// CallRecord captures one mock store invocation for test assertions.
type CallRecord struct {
	Operation string
	Key       string
	Success   bool
	At        time.Time
}

// Mock is an in-process object store for testing. A pre-loaded failure
// queue is consumed in FIFO order on every call; once drained, calls
// succeed. Call history is tracked for assertions.
type Mock struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures []ScriptedFailure
	history  []CallRecord

	// Simulated latency applied to every call.
	Latency time.Duration

	// AlwaysFail, when non-empty, makes every call fail with this message.
	alwaysFail     string
	alwaysFailMode FailureMode

	// Flaky mode: each call fails with this probability.
	flakyRate float64
	rng       *rand.Rand
}

// NewMock creates an empty mock store that always succeeds.
func NewMock() *Mock {
	return &Mock{objects: make(map[string][]byte)}
}

// NewMockWithFailures creates a mock whose first calls consume the given
// failure pattern in order.
func NewMockWithFailures(pattern []ScriptedFailure) *Mock {
	m := NewMock()
	m.failures = append(m.failures, pattern...)
	return m
}

// NewMockAlwaysFail creates a mock where every call fails with the given
// message, classified transient or permanent.
func NewMockAlwaysFail(message string, transient bool) *Mock {
	m := NewMock()
	m.alwaysFail = message
	if transient {
		m.alwaysFailMode = FailureTransient
	} else {
		m.alwaysFailMode = FailurePermanent
	}
	return m
}

// NewMockFlaky creates a mock where each call independently fails with
// the given probability (0.0 never, 1.0 always), as a transient error.
func NewMockFlaky(failureRate float64) *Mock {
	if failureRate < 0 {
		failureRate = 0
	}
	if failureRate > 1 {
		failureRate = 1
	}
	m := NewMock()
	m.flakyRate = failureRate
	m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	return m
}

// checkFailure consumes the next scripted failure, returning nil on OK.
// Caller holds the lock.
func (m *Mock) checkFailure() error {
	if m.flakyRate > 0 && m.rng.Float64() < m.flakyRate {
		return errors.New(errors.KindTransient, "simulated flaky failure")
	}
	if m.alwaysFail != "" {
		if m.alwaysFailMode == FailurePermanent {
			return errors.New(errors.KindPermanent, m.alwaysFail)
		}
		return errors.New(errors.KindTransient, m.alwaysFail)
	}
	if len(m.failures) == 0 {
		return nil
	}
	next := m.failures[0]
	m.failures = m.failures[1:]
	switch next.Mode {
	case FailureTransient:
		return errors.New(errors.KindTransient, next.Message)
	case FailurePermanent:
		return errors.New(errors.KindPermanent, next.Message)
	default:
		return nil
	}
}

func (m *Mock) record(op, key string, success bool) {
	m.history = append(m.history, CallRecord{Operation: op, Key: key, Success: success, At: time.Now()})
}

func (m *Mock) sleep() {
	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}
}

// Put stores an object unless the failure queue dictates otherwise.
func (m *Mock) Put(_ context.Context, key string, data []byte) error {
	m.sleep()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure(); err != nil {
		m.record("put", key, false)
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	m.record("put", key, true)
	return nil
}

// Get returns a copy of the object's contents.
func (m *Mock) Get(_ context.Context, key string) ([]byte, error) {
	m.sleep()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure(); err != nil {
		m.record("get", key, false)
		return nil, err
	}
	data, ok := m.objects[key]
	if !ok {
		m.record("get", key, false)
		return nil, errors.Newf(errors.KindNotFound, "object %s not found", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.record("get", key, true)
	return cp, nil
}

// Exists reports object presence.
func (m *Mock) Exists(_ context.Context, key string) (bool, error) {
	m.sleep()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure(); err != nil {
		m.record("exists", key, false)
		return false, err
	}
	_, ok := m.objects[key]
	m.record("exists", key, true)
	return ok, nil
}

// Delete removes the object; missing keys are ignored.
func (m *Mock) Delete(_ context.Context, key string) error {
	m.sleep()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure(); err != nil {
		m.record("delete", key, false)
		return err
	}
	delete(m.objects, key)
	m.record("delete", key, true)
	return nil
}

// List returns metadata for objects under prefix, sorted by key.
func (m *Mock) List(_ context.Context, prefix string) ([]ObjectMetadata, error) {
	m.sleep()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure(); err != nil {
		m.record("list", prefix, false)
		return nil, err
	}
	var out []ObjectMetadata
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectMetadata{Key: key, Size: int64(len(data)), LastModified: time.Now()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	m.record("list", prefix, true)
	return out, nil
}

// Head returns metadata for one object.
func (m *Mock) Head(_ context.Context, key string) (ObjectMetadata, error) {
	m.sleep()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure(); err != nil {
		m.record("head", key, false)
		return ObjectMetadata{}, err
	}
	data, ok := m.objects[key]
	if !ok {
		m.record("head", key, false)
		return ObjectMetadata{}, errors.Newf(errors.KindNotFound, "object %s not found", key)
	}
	m.record("head", key, true)
	return ObjectMetadata{Key: key, Size: int64(len(data)), LastModified: time.Now()}, nil
}

// Copy duplicates an object in-process.
func (m *Mock) Copy(_ context.Context, fromKey, toKey string) error {
	m.sleep()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure(); err != nil {
		m.record("copy", fromKey, false)
		return err
	}
	data, ok := m.objects[fromKey]
	if !ok {
		m.record("copy", fromKey, false)
		return errors.Newf(errors.KindNotFound, "object %s not found", fromKey)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[toKey] = cp
	m.record("copy", fromKey, true)
	return nil
}

// PutMultipart concatenates and stores the parts.
func (m *Mock) PutMultipart(_ context.Context, key string, parts [][]byte) error {
	m.sleep()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(parts) == 0 {
		return errors.New(errors.KindValidation, "multipart upload requires at least one part")
	}
	if err := m.checkFailure(); err != nil {
		m.record("put_multipart", key, false)
		return err
	}
	var buf []byte
	for _, p := range parts {
		buf = append(buf, p...)
	}
	m.objects[key] = buf
	m.record("put_multipart", key, true)
	return nil
}

// CallHistory returns a copy of all recorded calls.
func (m *Mock) CallHistory() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, len(m.history))
	copy(out, m.history)
	return out
}

// ClearHistory resets the recorded call list.
func (m *Mock) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
}

// SuccessfulPuts counts put calls that succeeded.
func (m *Mock) SuccessfulPuts() int {
	return m.countPuts(true)
}

// FailedPuts counts put calls that failed.
func (m *Mock) FailedPuts() int {
	return m.countPuts(false)
}

func (m *Mock) countPuts(success bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.history {
		if rec.Operation == "put" && rec.Success == success {
			n++
		}
	}
	return n
}

// StorageSize returns the number of stored objects.
func (m *Mock) StorageSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// ContainsKey reports whether a key is currently stored.
func (m *Mock) ContainsKey(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// Reset clears storage, history, and any remaining scripted failures,
// including flaky mode.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = make(map[string][]byte)
	m.history = nil
	m.failures = nil
	m.alwaysFail = ""
	m.flakyRate = 0
}

var _ Store = (*Mock)(nil)
