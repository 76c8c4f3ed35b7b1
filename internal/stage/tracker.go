package stage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/store"
)

// errNoChange tells Update to skip the save.
var errNoChange = errors.New("no change")

// Tracker serializes updates to one stage's traces. Every read-modify-write
// of a record runs under that record's lock, whatever the store backend.
type Tracker struct {
	stage model.StageName
	store store.Store

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewTracker creates a Tracker for stage's traces in st.
func NewTracker(stage model.StageName, st store.Store) *Tracker {
	return &Tracker{stage: stage, store: st, locks: make(map[string]*keyLock)}
}

func (t *Tracker) lock(id string) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &keyLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}

// Create stores a new trace. It fails with store.ErrExists if the stage
// already holds one for the record.
func (t *Tracker) Create(ctx context.Context, tr *model.WorkflowTrace) error {
	tr.Stage = t.stage
	unlock := t.lock(tr.RecordID)
	defer unlock()
	return t.store.CreateTrace(ctx, tr)
}

// CreateIfAbsent stores tr unless a trace for the record exists. It returns
// the stored trace and whether it was created by this call.
func (t *Tracker) CreateIfAbsent(ctx context.Context, tr *model.WorkflowTrace) (*model.WorkflowTrace, bool, error) {
	tr.Stage = t.stage
	unlock := t.lock(tr.RecordID)
	defer unlock()

	existing, err := t.store.GetTrace(ctx, t.stage, tr.RecordID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, err
	}
	if err := t.store.CreateTrace(ctx, tr); err != nil {
		return nil, false, err
	}
	return tr.Clone(), true, nil
}

// Get returns the stage's trace for id.
func (t *Tracker) Get(ctx context.Context, id string) (*model.WorkflowTrace, error) {
	return t.store.GetTrace(ctx, t.stage, id)
}

// Update applies fn to the trace for id and saves the result. If fn returns
// errNoChange the trace is returned unsaved; any other error aborts.
func (t *Tracker) Update(ctx context.Context, id string, fn func(*model.WorkflowTrace) error) (*model.WorkflowTrace, error) {
	unlock := t.lock(id)
	defer unlock()

	tr, err := t.store.GetTrace(ctx, t.stage, id)
	if err != nil {
		return nil, err
	}
	if err := fn(tr); err != nil {
		if errors.Is(err, errNoChange) {
			return tr, nil
		}
		return tr, err
	}
	if err := t.store.SaveTrace(ctx, tr); err != nil {
		return nil, eris.Wrapf(err, "stage %s: save trace %s", t.stage, id)
	}
	return tr, nil
}

// List returns the stage's traces matching filter.
func (t *Tracker) List(ctx context.Context, filter store.TraceFilter) ([]*model.WorkflowTrace, error) {
	filter.Stage = t.stage
	return t.store.ListTraces(ctx, filter)
}

// Archive marks the given terminal traces archived and returns how many
// changed.
func (t *Tracker) Archive(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return t.store.ArchiveTraces(ctx, t.stage, ids)
}

// Counts returns trace counts by status created at or after since.
func (t *Tracker) Counts(ctx context.Context, since time.Time) (map[model.TraceStatus]int, error) {
	return t.store.CountByStatus(ctx, t.stage, since)
}
