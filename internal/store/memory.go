package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/runtarahq/runtara/internal/checkpoint"
	"github.com/runtarahq/runtara/internal/emit"
	"github.com/runtarahq/runtara/internal/idgen"
)

// MemoryStore is an in-memory Storage implementation, adapted from the
// teacher's graph/store/memory.go MemStore. It backs unit tests and the
// e2e scenarios in §8; it is not one of the two required backends (those
// are SQLiteStore and MySQLStore) but shares their interface so test code
// never branches on backend.
type MemoryStore struct {
	mu sync.Mutex

	instances map[string]Instance

	checkpoints map[string][]checkpoint.Record // instanceID -> ordered rows (includes retry rows)
	nextSeq     map[string]int64

	pendingSignals   map[string]PendingSignal
	checkpointSignals map[string]map[string][]byte // instanceID -> checkpointID -> payload

	events       []InstanceEvent
	eventOutbox  []emit.Event
	emittedIDs   map[string]bool

	images map[string]Image

	containers map[string]ContainerRecord // by instanceID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:         make(map[string]Instance),
		checkpoints:       make(map[string][]checkpoint.Record),
		nextSeq:           make(map[string]int64),
		pendingSignals:    make(map[string]PendingSignal),
		checkpointSignals: make(map[string]map[string][]byte),
		emittedIDs:        make(map[string]bool),
		images:            make(map[string]Image),
		containers:        make(map[string]ContainerRecord),
	}
}

func (m *MemoryStore) Close() error                          { return nil }
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// --- Instances ---

func (m *MemoryStore) CreateInstance(ctx context.Context, inst Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = inst
	return nil
}

func (m *MemoryStore) GetInstance(ctx context.Context, id string) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return inst, nil
}

func (m *MemoryStore) UpdateInstance(ctx context.Context, inst Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID]; !ok {
		return ErrNotFound
	}
	m.instances[inst.ID] = inst
	return nil
}

func (m *MemoryStore) ListInstances(ctx context.Context, filter InstanceFilter, page Pagination) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Instance
	for _, inst := range m.instances {
		if filter.Tenant != "" && inst.Tenant != filter.Tenant {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.ImageID != "" && inst.ImageID != filter.ImageID {
			continue
		}
		if filter.Since != nil && inst.CreatedAt.Unix() < *filter.Since {
			continue
		}
		if filter.Until != nil && inst.CreatedAt.Unix() >= *filter.Until {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginateInstances(out, page), nil
}

func paginateInstances(in []Instance, page Pagination) []Instance {
	if page.Offset >= len(in) {
		return nil
	}
	end := len(in)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return in[page.Offset:end]
}

func (m *MemoryStore) DueForWake(ctx context.Context, now int64, limit int) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Instance
	for _, inst := range m.instances {
		if inst.Status != StatusSuspended || inst.SleepUntil == nil {
			continue
		}
		if inst.SleepUntil.Unix() <= now {
			due = append(due, inst)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].SleepUntil.Before(*due[j].SleepUntil) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// --- Checkpoints ---

func (m *MemoryStore) WriteCheckpoint(ctx context.Context, req checkpoint.WriteRequest) (checkpoint.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.checkpoints[req.InstanceID]

	if !req.RetryAttempt {
		for _, r := range rows {
			if r.ID == req.ID && !r.RetryAttempt {
				return r, true, nil
			}
		}
	}

	seq := m.nextSeq[req.InstanceID] + 1
	m.nextSeq[req.InstanceID] = seq

	rec := checkpoint.Record{
		InstanceID:          req.InstanceID,
		ID:                  req.ID,
		Sequence:            seq,
		State:               append([]byte(nil), req.State...),
		CreatedAt:           time.Now(),
		RetryAttempt:        req.RetryAttempt,
		Attempt:             req.Attempt,
		ErrorMessage:        req.ErrorMessage,
		IsCompensatable:     req.IsCompensatable,
		CompensationStep:    req.CompensationStep,
		CompensationData:    req.CompensationData,
		CompensationState:   checkpoint.CompensationNone,
		CompensationOrdinal: req.CompensationOrdinal,
	}
	if rec.IsCompensatable {
		rec.CompensationState = checkpoint.CompensationPending
	}

	m.checkpoints[req.InstanceID] = append(rows, rec)
	return rec, false, nil
}

func (m *MemoryStore) GetCheckpoint(ctx context.Context, instanceID, id string) (checkpoint.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.checkpoints[instanceID] {
		if r.ID == id && !r.RetryAttempt {
			return r, nil
		}
	}
	return checkpoint.Record{}, ErrNotFound
}

func (m *MemoryStore) ListCheckpoints(ctx context.Context, instanceID string) ([]checkpoint.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]checkpoint.Record, len(m.checkpoints[instanceID]))
	copy(out, m.checkpoints[instanceID])
	return out, nil
}

// --- Signals ---

func (m *MemoryStore) SendSignal(ctx context.Context, instanceID string, kind SignalKind, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.pendingSignals[instanceID]
	if ok && existing.AcknowledgedAt == nil {
		// cancel supersedes pause; resume only applies over a prior pause.
		switch {
		case existing.Kind == SignalCancel:
			return nil // cancel is terminal among signals, nothing upgrades it
		case kind == SignalCancel:
			// upgrade pause (or anything) to cancel
		case kind == SignalResume && existing.Kind != SignalPause:
			return nil // resume only valid over a pending pause
		case kind == existing.Kind:
			return nil // idempotent no-op until acknowledged
		}
	}

	m.pendingSignals[instanceID] = PendingSignal{
		InstanceID: instanceID,
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
	return nil
}

func (m *MemoryStore) PeekSignal(ctx context.Context, instanceID string) (PendingSignal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.pendingSignals[instanceID]
	if !ok || sig.AcknowledgedAt != nil {
		return PendingSignal{}, false, nil
	}
	return sig, true, nil
}

func (m *MemoryStore) AcknowledgeSignal(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingSignals, instanceID)
	return nil
}

func (m *MemoryStore) SendCheckpointSignal(ctx context.Context, instanceID, checkpointID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpointSignals[instanceID] == nil {
		m.checkpointSignals[instanceID] = make(map[string][]byte)
	}
	m.checkpointSignals[instanceID][checkpointID] = payload
	return nil
}

func (m *MemoryStore) TakeCheckpointSignal(ctx context.Context, instanceID, checkpointID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCheckpoint, ok := m.checkpointSignals[instanceID]
	if !ok {
		return nil, false, nil
	}
	payload, ok := byCheckpoint[checkpointID]
	if !ok {
		return nil, false, nil
	}
	delete(byCheckpoint, checkpointID)
	return payload, true, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(ctx context.Context, ev InstanceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = idgen.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.events = append(m.events, ev)
	m.eventOutbox = append(m.eventOutbox, InstanceEventToEmitEvent(ev))
	return nil
}

// InstanceEventToEmitEvent adapts a stored InstanceEvent into an emit.Event
// for outbox delivery.
func InstanceEventToEmitEvent(ev InstanceEvent) emit.Event {
	return emit.Event{
		InstanceID:   ev.InstanceID,
		Kind:         ev.Kind,
		Subtype:      ev.Subtype,
		CheckpointID: ev.CheckpointID,
		Payload:      ev.Payload,
	}
}

func (m *MemoryStore) ListEvents(ctx context.Context, filter EventFilter, page Pagination) ([]InstanceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []InstanceEvent
	for _, ev := range m.events {
		if filter.InstanceID != "" && ev.InstanceID != filter.InstanceID {
			continue
		}
		if filter.Kind != "" && ev.Kind != filter.Kind {
			continue
		}
		if filter.Subtype != "" && ev.Subtype != filter.Subtype {
			continue
		}
		if filter.Since != nil && ev.CreatedAt.Unix() < *filter.Since {
			continue
		}
		if filter.Until != nil && ev.CreatedAt.Unix() >= *filter.Until {
			continue
		}
		if filter.PayloadSubstr != "" && !containsBytes(ev.Payload, filter.PayloadSubstr) {
			continue
		}
		out = append(out, ev)
	}

	if page.Offset < len(out) {
		end := len(out)
		if page.Limit > 0 && page.Offset+page.Limit < end {
			end = page.Offset + page.Limit
		}
		return out[page.Offset:end], nil
	}
	return nil, nil
}

func containsBytes(payload []byte, substr string) bool {
	return len(substr) == 0 || indexOf(string(payload), substr) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []emit.Event
	for _, ev := range m.eventOutbox {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *MemoryStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	// MemoryStore's outbox has no per-entry id; a test-only store is free to
	// simply clear the whole outbox once the (small, test-scale) batch is
	// acknowledged.
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventOutbox = nil
	return nil
}

// --- Images ---

func (m *MemoryStore) CreateImage(ctx context.Context, img Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[img.ID] = img
	return nil
}

func (m *MemoryStore) GetImage(ctx context.Context, id string) (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return Image{}, ErrNotFound
	}
	return img, nil
}

func (m *MemoryStore) GetImageByContentHash(ctx context.Context, tenant, sha256 string) (Image, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, img := range m.images {
		if img.Tenant == tenant && img.SHA256 == sha256 {
			return img, true, nil
		}
	}
	return Image{}, false, nil
}

func (m *MemoryStore) ListImages(ctx context.Context, tenant string, page Pagination) ([]Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Image
	for _, img := range m.images {
		if tenant != "" && img.Tenant != tenant {
			continue
		}
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if page.Offset < len(out) {
		end := len(out)
		if page.Limit > 0 && page.Offset+page.Limit < end {
			end = page.Offset + page.Limit
		}
		return out[page.Offset:end], nil
	}
	return nil, nil
}

func (m *MemoryStore) DeleteImage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[id]; !ok {
		return ErrNotFound
	}
	delete(m.images, id)
	return nil
}

func (m *MemoryStore) HasLiveInstances(ctx context.Context, imageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ImageID == imageID && !inst.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// --- Containers ---

func (m *MemoryStore) UpsertContainer(ctx context.Context, c ContainerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[c.InstanceID] = c
	return nil
}

func (m *MemoryStore) GetContainerByInstance(ctx context.Context, instanceID string) (ContainerRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[instanceID]
	return c, ok, nil
}

func (m *MemoryStore) TouchHeartbeat(ctx context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for instID, c := range m.containers {
		if c.ID == containerID {
			c.LastHeartbeat = time.Now()
			m.containers[instID] = c
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) ListStaleHeartbeats(ctx context.Context, olderThan int64) ([]ContainerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ContainerRecord
	for _, c := range m.containers {
		if c.Status == ContainerRunning && c.LastHeartbeat.Unix() < olderThan {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteContainer(ctx context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for instID, c := range m.containers {
		if c.ID == containerID {
			delete(m.containers, instID)
			return nil
		}
	}
	return ErrNotFound
}

var _ Storage = (*MemoryStore)(nil)
