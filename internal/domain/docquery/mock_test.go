package docquery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory patient and dispatch store. GetForUpdate takes a
// per-patient lock held until the surrounding memTxRunner transaction ends;
// writes made inside a transaction become visible on commit.
type memStore struct {
	mu         sync.Mutex
	patients   map[uuid.UUID]*Patient
	rowLocks   map[uuid.UUID]*sync.Mutex
	dispatches map[uuid.UUID]*Dispatch
	now        func() time.Time

	findStaleErr error
	saveErr      map[uuid.UUID]error
	saves        int
}

func newMemStore() *memStore {
	return &memStore{
		patients:   make(map[uuid.UUID]*Patient),
		rowLocks:   make(map[uuid.UUID]*sync.Mutex),
		dispatches: make(map[uuid.UUID]*Dispatch),
		saveErr:    make(map[uuid.UUID]error),
		now:        time.Now,
	}
}

func (s *memStore) addPatient(p *Patient) *Patient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CxID == uuid.Nil {
		p.CxID = uuid.New()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	s.patients[p.ID] = p.clone()
	s.rowLocks[p.ID] = &sync.Mutex{}
	return p
}

func (s *memStore) patient(id uuid.UUID) *Patient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.patients[id]; ok {
		return p.clone()
	}
	return nil
}

func (s *memStore) dispatchList() []*Dispatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Dispatch, 0, len(s.dispatches))
	for _, d := range s.dispatches {
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

type memTxKey struct{}

type memTx struct {
	unlocks    []func()
	patients   []*Patient
	dispatches []*Dispatch
}

func txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

// memTxRunner implements db.TxRunner over a memStore.
type memTxRunner struct{ store *memStore }

func (r memTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx := &memTx{}
	defer func() {
		for i := len(tx.unlocks) - 1; i >= 0; i-- {
			tx.unlocks[i]()
		}
	}()

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range tx.patients {
		s.patients[p.ID] = p
	}
	for _, d := range tx.dispatches {
		s.dispatches[d.ID] = d
	}
	return nil
}

// patient repository

func (s *memStore) Get(_ context.Context, id, cxID uuid.UUID) (*Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok || p.CxID != cxID {
		return nil, &NotFoundError{Kind: "patient", ID: id, CxID: cxID}
	}
	return p.clone(), nil
}

func (s *memStore) GetForUpdate(ctx context.Context, id, cxID uuid.UUID) (*Patient, error) {
	tx := txFrom(ctx)
	if tx == nil {
		return nil, errors.New("GetForUpdate requires a transaction")
	}
	s.mu.Lock()
	lock, ok := s.rowLocks[id]
	s.mu.Unlock()
	if !ok {
		return nil, &NotFoundError{Kind: "patient", ID: id, CxID: cxID}
	}
	lock.Lock()
	tx.unlocks = append(tx.unlocks, lock.Unlock)
	return s.Get(ctx, id, cxID)
}

func (s *memStore) SaveProgress(ctx context.Context, p *Patient) error {
	s.mu.Lock()
	err := s.saveErr[p.ID]
	s.saves++
	s.mu.Unlock()
	if err != nil {
		return err
	}

	p.UpdatedAt = s.now()
	if tx := txFrom(ctx); tx != nil {
		tx.patients = append(tx.patients, p.clone())
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p.clone()
	return nil
}

func (s *memStore) FindStale(_ context.Context, cutoff time.Time, ids []uuid.UUID) ([]PatientRef, error) {
	if s.findStaleErr != nil {
		return nil, s.findStaleErr
	}
	filter := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		filter[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []PatientRef
	for _, p := range s.patients {
		if len(filter) > 0 && !filter[p.ID] {
			continue
		}
		if p.UpdatedAt.Before(cutoff) && p.NeedsRepair() {
			refs = append(refs, PatientRef{ID: p.ID, CxID: p.CxID})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID.String() < refs[j].ID.String() })
	return refs, nil
}

// dispatch repository

type memDispatchRepo struct {
	store     *memStore
	createErr error
}

func (r *memDispatchRepo) CreateDispatches(ctx context.Context, ds []*Dispatch) error {
	if r.createErr != nil {
		return r.createErr
	}
	if tx := txFrom(ctx); tx != nil {
		for _, d := range ds {
			c := *d
			tx.dispatches = append(tx.dispatches, &c)
		}
		return nil
	}
	return r.UpdateDispatch(ctx, ds[0])
}

func (r *memDispatchRepo) UpdateDispatch(ctx context.Context, d *Dispatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *d
	r.store.dispatches[d.ID] = &c
	return nil
}

func (r *memDispatchRepo) ListByPatient(_ context.Context, patientID, cxID uuid.UUID, limit, offset int) ([]*Dispatch, int, error) {
	var items []*Dispatch
	for _, d := range r.store.dispatchList() {
		if d.PatientID == patientID && d.CxID == cxID {
			items = append(items, d)
		}
	}
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

// gateways and notifier

type fakeGateway struct {
	source Source
	err    error

	mu    sync.Mutex
	calls []DispatchRequest
}

func (g *fakeGateway) Source() Source { return g.source }

func (g *fakeGateway) StartDocumentQuery(_ context.Context, req DispatchRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	return g.err
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notification
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	return n.err
}

func (n *recordingNotifier) triggers() []Trigger {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Trigger, len(n.got))
	for i, note := range n.got {
		out[i] = note.Trigger
	}
	return out
}

type countingCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingCounter) Inc(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	key := name
	for _, l := range labels {
		key += "|" + l
	}
	c.counts[key]++
}

func (c *countingCounter) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// hangingGateway blocks until its context is done, like an upstream that
// never answers.
type hangingGateway struct{ source Source }

func (g hangingGateway) Source() Source { return g.source }

func (g hangingGateway) StartDocumentQuery(ctx context.Context, _ DispatchRequest) error {
	<-ctx.Done()
	return ctx.Err()
}
