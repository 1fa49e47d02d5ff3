package medrecord

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/medrec/medrec/internal/platform/filestore"
)

// -- Mock record store --

type mockRecordStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*MedicalRecord
	// unique rejects rows that share a duplicate key, like the unique index.
	unique bool
	// skipFind makes FindByDuplicateKey miss, to exercise the constraint path.
	skipFind bool

	findErr   error
	createErr error
	updateErr error
	deleteErr error
	listErr   error
}

func newMockRecordStore() *mockRecordStore {
	return &mockRecordStore{records: make(map[uuid.UUID]*MedicalRecord), unique: true}
}

func clone(m *MedicalRecord) *MedicalRecord {
	c := *m
	if m.HeartRate != nil {
		hr := *m.HeartRate
		c.HeartRate = &hr
	}
	return &c
}

func (s *mockRecordStore) conflict(m *MedicalRecord) bool {
	for id, other := range s.records {
		if id != m.ID && other.DuplicateKey() == m.DuplicateKey() {
			return true
		}
	}
	return false
}

func (s *mockRecordStore) FindByDuplicateKey(_ context.Context, key DuplicateKey, excludeID uuid.UUID) (*MedicalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.skipFind {
		return nil, nil
	}
	var found *MedicalRecord
	for id, m := range s.records {
		if id == excludeID || m.DuplicateKey() != key {
			continue
		}
		if found == nil || m.CreatedAt.Before(found.CreatedAt) {
			found = m
		}
	}
	if found == nil {
		return nil, nil
	}
	return clone(found), nil
}

func (s *mockRecordStore) Create(_ context.Context, m *MedicalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if s.unique && s.conflict(m) {
		return ErrDuplicateRecord
	}
	s.records[m.ID] = clone(m)
	return nil
}

func (s *mockRecordStore) GetByID(_ context.Context, id uuid.UUID) (*MedicalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m), nil
}

func (s *mockRecordStore) Update(_ context.Context, m *MedicalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.records[m.ID]; !ok {
		return ErrNotFound
	}
	if s.unique && s.conflict(m) {
		return ErrDuplicateRecord
	}
	s.records[m.ID] = clone(m)
	return nil
}

func (s *mockRecordStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *mockRecordStore) sorted(desc bool, match func(*MedicalRecord) bool) []*MedicalRecord {
	var out []*MedicalRecord
	for _, m := range s.records {
		if match == nil || match(m) {
			out = append(out, clone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func page(items []*MedicalRecord, limit, offset int) ([]*MedicalRecord, int, error) {
	total := len(items)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (s *mockRecordStore) List(_ context.Context, limit, offset int) ([]*MedicalRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, 0, s.listErr
	}
	return page(s.sorted(true, nil), limit, offset)
}

func (s *mockRecordStore) Search(_ context.Context, text string, limit, offset int) ([]*MedicalRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(text)
	return page(s.sorted(true, func(m *MedicalRecord) bool {
		for _, f := range []string{m.PatientName, m.Symptoms, m.Diagnosis, m.BloodPressure} {
			if strings.Contains(strings.ToLower(f), q) {
				return true
			}
		}
		return false
	}), limit, offset)
}

func (s *mockRecordStore) DuplicateGroups(_ context.Context) ([][]*MedicalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return groupByDuplicateKey(s.sorted(false, nil)), nil
}

func (s *mockRecordStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// insert stores m directly, bypassing the uniqueness check, to seed legacy
// duplicates.
func (s *mockRecordStore) insert(m *MedicalRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	s.records[m.ID] = clone(m)
}

// -- File store with injectable failures --

type faultyFiles struct {
	FileStore
	writeErr  error
	deleteErr error
}

func (f *faultyFiles) WriteJSON(ctx context.Context, name string, payload interface{}) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	return f.FileStore.WriteJSON(ctx, name, payload)
}

func (f *faultyFiles) Delete(ctx context.Context, name string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.FileStore.Delete(ctx, name)
}

const testJSONDir = "media/medical_json"

func newMemFiles() (*filestore.Store, afero.Fs) {
	fsys := afero.NewMemMapFs()
	return filestore.New(fsys, testJSONDir), fsys
}

var errDisk = errors.New("disk full")

// stepClock returns strictly increasing timestamps.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Minute)
		return t
	}
}

// -- Fixtures --

func validRaw() RawFields {
	return RawFields{
		FieldPatientName:   "Ivan Petrov",
		FieldAge:           "45",
		FieldGender:        "M",
		FieldHeight:        "180",
		FieldWeight:        "80",
		FieldBloodPressure: "120/80",
		FieldHeartRate:     "72",
		FieldTemperature:   "36.6",
		FieldSymptoms:      "headache",
		FieldDiagnosis:     "migraine",
	}
}

func validRecord() *MedicalRecord {
	rec, errs := Validate(validRaw())
	if errs != nil {
		panic(errs)
	}
	return rec
}

type testEnv struct {
	store      *mockRecordStore
	files      *faultyFiles
	fs         afero.Fs
	reconciler *Reconciler
	ingestor   *Ingestor
	svc        *Service
}

func newTestEnv(opts ...ReconcilerOption) *testEnv {
	store := newMockRecordStore()
	mem, fsys := newMemFiles()
	files := &faultyFiles{FileStore: mem}
	opts = append([]ReconcilerOption{WithClock(stepClock())}, opts...)
	r := NewReconciler(store, files, opts...)
	ing := NewIngestor(files, r, DefaultMaxUploadSize, r.log)
	return &testEnv{
		store:      store,
		files:      files,
		fs:         fsys,
		reconciler: r,
		ingestor:   ing,
		svc:        NewService(store, files, r, ing),
	}
}

func (e *testEnv) fileExists(name string) bool {
	ok, _ := afero.Exists(e.fs, testJSONDir+"/"+name)
	return ok
}

func (e *testEnv) jsonFiles() []string {
	infos, _ := afero.ReadDir(e.fs, testJSONDir)
	var names []string
	for _, fi := range infos {
		if strings.HasSuffix(fi.Name(), ".json") {
			names = append(names, fi.Name())
		}
	}
	return names
}
