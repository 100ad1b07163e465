package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthsync/healthsync/internal/domain/records"
	"github.com/healthsync/healthsync/internal/platform/websocket"
)

// -- Mock Patient Repository --

type mockPatientRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*records.Patient
	err      error
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{patients: make(map[uuid.UUID]*records.Patient)}
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*records.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.patients[id]
	if !ok {
		return nil, records.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPatientRepo) Upsert(_ context.Context, p *records.Patient) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	existing, ok := m.patients[p.ID]
	if ok {
		p.ServerVersion = existing.ServerVersion + 1
		if p.MobileNumber == nil {
			p.MobileNumber = existing.MobileNumber
		}
	} else {
		p.ServerVersion = 1
	}
	cp := *p
	m.patients[p.ID] = &cp
	return !ok, nil
}

func (m *mockPatientRepo) add(name string, mobile string) *records.Patient {
	p := &records.Patient{ID: uuid.New(), Name: name, ServerVersion: 1, Identifiers: json.RawMessage(`{}`)}
	if mobile != "" {
		p.MobileNumber = &mobile
	}
	m.patients[p.ID] = p
	return p
}

// -- Mock HealthRecord Repository --

type mockRecordRepo struct {
	mu           sync.Mutex
	records      map[uuid.UUID]*records.HealthRecord
	failCreate   error
	failSave     error
	failUpsertFn func(*records.HealthRecord) error
	changedCalls int
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{records: make(map[uuid.UUID]*records.HealthRecord)}
}

func (m *mockRecordRepo) Create(_ context.Context, r *records.HealthRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *mockRecordRepo) GetByID(_ context.Context, id uuid.UUID) (*records.HealthRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, records.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRecordRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*records.HealthRecord, error) {
	return m.GetByID(ctx, id)
}

func (m *mockRecordRepo) Save(_ context.Context, r *records.HealthRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	if _, ok := m.records[r.ID]; !ok {
		return records.ErrNotFound
	}
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *mockRecordRepo) Upsert(_ context.Context, r *records.HealthRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpsertFn != nil {
		if err := m.failUpsertFn(r); err != nil {
			return false, err
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	existing, ok := m.records[r.ID]
	if ok {
		r.ServerVersion = existing.ServerVersion + 1
	} else {
		r.ServerVersion = 1
	}
	cp := *r
	m.records[r.ID] = &cp
	return !ok, nil
}

func (m *mockRecordRepo) ChangedSince(_ context.Context, since time.Time) ([]*records.HealthRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changedCalls++
	var out []*records.HealthRecord
	for _, r := range m.records {
		if r.UpdatedAt.After(since) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *mockRecordRepo) add(patientID uuid.UUID, resourceType, data string, updatedAt time.Time) *records.HealthRecord {
	r := &records.HealthRecord{
		ID:            uuid.New(),
		PatientID:     patientID,
		ResourceType:  resourceType,
		Data:          json.RawMessage(data),
		ServerVersion: 1,
		UpdatedAt:     updatedAt,
	}
	cp := *r
	m.records[r.ID] = &cp
	return r
}

func (m *mockRecordRepo) get(id uuid.UUID) *records.HealthRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

// -- Mock SyncBatch Repository --

type mockBatchRepo struct {
	mu            sync.Mutex
	batches       map[uuid.UUID]*SyncBatch
	completeCalls int
	failComplete  int
	err           error
}

func newMockBatchRepo() *mockBatchRepo {
	return &mockBatchRepo{batches: make(map[uuid.UUID]*SyncBatch)}
}

func (m *mockBatchRepo) Create(_ context.Context, b *SyncBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	b.CreatedAt = time.Now()
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *mockBatchRepo) Get(_ context.Context, id uuid.UUID) (*SyncBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *mockBatchRepo) MarkProcessing(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok || b.Status != StatusPending {
		return false, nil
	}
	b.Status = StatusProcessing
	b.StartedAt = &at
	return true, nil
}

func (m *mockBatchRepo) Complete(ctx context.Context, id uuid.UUID, status BatchStatus, result json.RawMessage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failComplete > 0 {
		m.failComplete--
		return errors.New("connection reset")
	}
	b, ok := m.batches[id]
	if !ok || b.Status != StatusProcessing {
		return fmt.Errorf("complete sync batch %s: not in PROCESSING", id)
	}
	b.Status = status
	b.Result = result
	b.ProcessedAt = &at
	return nil
}

func (m *mockBatchRepo) ListStuck(_ context.Context, startedBefore time.Time) ([]*SyncBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SyncBatch
	for _, b := range m.batches {
		if b.Status == StatusProcessing && b.StartedAt != nil && b.StartedAt.Before(startedBefore) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockBatchRepo) put(b *SyncBatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.batches[b.ID] = &cp
}

func (m *mockBatchRepo) get(id uuid.UUID) *SyncBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches[id]
}

// -- Mock Conflict Repository --

type mockConflictRepo struct {
	mu        sync.Mutex
	conflicts []*Conflict
	err       error
}

func (m *mockConflictRepo) Create(_ context.Context, c *Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	m.conflicts = append(m.conflicts, c)
	return nil
}

func (m *mockConflictRepo) List(_ context.Context, resolved *bool, limit, offset int) ([]*Conflict, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*Conflict
	for _, c := range m.conflicts {
		if resolved == nil || c.Resolved == *resolved {
			matched = append(matched, c)
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// -- Mock ClientIdMapping Repository --

type mockMappingRepo struct {
	mu       sync.Mutex
	mappings map[string]*ClientIDMapping
	err      error
}

func newMockMappingRepo() *mockMappingRepo {
	return &mockMappingRepo{mappings: make(map[string]*ClientIDMapping)}
}

func (m *mockMappingRepo) Upsert(_ context.Context, mp *ClientIDMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if existing, ok := m.mappings[mp.ClientTempID]; ok {
		mp.ID = existing.ID
		mp.CreatedAt = existing.CreatedAt
	} else {
		mp.ID = uuid.New()
		mp.CreatedAt = time.Now()
	}
	mp.UpdatedAt = time.Now()
	cp := *mp
	m.mappings[mp.ClientTempID] = &cp
	return nil
}

func (m *mockMappingRepo) GetByTempID(_ context.Context, tempID string) (*ClientIDMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappings[tempID]
	if !ok {
		return nil, ErrMappingNotFound
	}
	cp := *mp
	return &cp, nil
}

// -- Collaborators --

// fakeTx runs fn inline and counts the scopes that would have rolled back.
// Discarded writes are covered by the integration tests.
type fakeTx struct {
	mu        sync.Mutex
	calls     int
	rollbacks int
}

func (f *fakeTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		f.mu.Lock()
		f.rollbacks++
		f.mu.Unlock()
	}
	return err
}

type fakeEnqueuer struct {
	tenant  string
	batchID uuid.UUID
	err     error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, tenant string, batchID uuid.UUID) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.tenant = tenant
	f.batchID = batchID
	return "task-" + batchID.String()[:8], nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (f *fakePublisher) Publish(_ context.Context, e websocket.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

type fakeArchiver struct {
	mu      sync.Mutex
	batches []*SyncBatch
}

func (f *fakeArchiver) Archive(_ context.Context, _ string, b *SyncBatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
}

// stepClock advances one second per call from a fixed start.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 9, 12, 10, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// -- Test environment --

type testEnv struct {
	patients  *mockPatientRepo
	records   *mockRecordRepo
	batches   *mockBatchRepo
	conflicts *mockConflictRepo
	mappings  *mockMappingRepo
	tx        *fakeTx
	enqueuer  *fakeEnqueuer
	publisher *fakePublisher
	archiver  *fakeArchiver
	clock     *stepClock

	mapper     *Mapper
	recorder   *ConflictRecorder
	applicator *Applicator
	processor  *Processor
	feed       *DeltaFeed
}

func newTestEnv() *testEnv {
	env := &testEnv{
		patients:  newMockPatientRepo(),
		records:   newMockRecordRepo(),
		batches:   newMockBatchRepo(),
		conflicts: &mockConflictRepo{},
		mappings:  newMockMappingRepo(),
		tx:        &fakeTx{},
		enqueuer:  &fakeEnqueuer{},
		publisher: &fakePublisher{},
		archiver:  &fakeArchiver{},
		clock:     newStepClock(),
	}
	logger := zerolog.Nop()
	env.mapper = NewMapper(env.mappings, env.tx, logger)
	env.recorder = NewConflictRecorder(env.conflicts)
	env.applicator = NewApplicator(env.patients, env.records, env.mapper, env.recorder, env.clock.Now)
	env.processor = NewProcessor(ProcessorDeps{
		Batches:    env.batches,
		Patients:   env.patients,
		Records:    env.records,
		Applicator: env.applicator,
		Mapper:     env.mapper,
		Tx:         env.tx,
		Enqueuer:   env.enqueuer,
		Publisher:  env.publisher,
		Archiver:   env.archiver,
		Clock:      env.clock.Now,
		Logger:     logger,
	})
	env.processor.finishBackoff = time.Millisecond
	env.feed = NewDeltaFeed(env.records, env.clock.Now)
	return env
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
