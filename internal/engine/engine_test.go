package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schedbot/internal/store"
	"schedbot/internal/transport"
	"schedbot/pkg/logx"
)

type fakeStore struct {
	mu      sync.Mutex
	seq     int
	recs    map[string]store.Record
	scanErr int // fail PendingAll this many times
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: map[string]store.Record{}}
}

func (f *fakeStore) Insert(_ context.Context, r store.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	r.ID = fmt.Sprintf("job-%d", f.seq)
	f.recs[r.ID] = r
	return r.ID, nil
}

func (f *fakeStore) FindByID(_ context.Context, id string) (store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) FindByName(_ context.Context, dest int64, name string) (store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.recs {
		if r.Destination == dest && r.ScheduleName == name {
			return r, nil
		}
	}
	return store.Record{}, store.ErrNotFound
}

func (f *fakeStore) ListPending(_ context.Context, dest int64) ([]store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Record
	for _, r := range f.recs {
		if r.Destination == dest && !r.Completed {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) PendingAll(_ context.Context) ([]store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr > 0 {
		f.scanErr--
		return nil, errors.New("connection reset")
	}
	var out []store.Record
	for _, r := range f.recs {
		if !r.Completed {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Completed = true
	f.recs[id] = r
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.recs, id)
	return nil
}

func (f *fakeStore) DeletePending(_ context.Context, id string, dest int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[id]
	if !ok || r.Destination != dest || r.Completed {
		return store.ErrNotFound
	}
	delete(f.recs, id)
	return nil
}

func (f *fakeStore) Close(context.Context) error { return nil }

func (f *fakeStore) put(r store.Record) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if r.ID == "" {
		r.ID = fmt.Sprintf("job-%d", f.seq)
	}
	f.recs[r.ID] = r
	return r.ID
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

func (f *fakeStore) get(t *testing.T, id string) store.Record {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[id]
	require.True(t, ok, "record %s missing", id)
	return r
}

type sent struct {
	chat int64
	text string
}

type fakeTransport struct {
	mu         sync.Mutex
	sends      []sent
	sendErr    error
	resolveErr map[int64]error
}

func (f *fakeTransport) Resolve(_ context.Context, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveErr[chatID]
}

func (f *fakeTransport) Send(_ context.Context, chatID int64, text string, _ *transport.Media, _ []transport.Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, sent{chat: chatID, text: text})
	return nil
}

func (f *fakeTransport) IsAdmin(context.Context, int64, int64, bool) (bool, error) {
	return true, nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

const chatA int64 = -1001

func intervalRecord(name string, every int64) store.Record {
	return store.Record{
		Destination:     chatA,
		ScheduleName:    name,
		Body:            "hello",
		IntervalSeconds: every,
	}
}

func oneShotRecord(name string, at time.Time) store.Record {
	return store.Record{
		Destination:  chatA,
		ScheduleName: name,
		Body:         "hello",
		FireAt:       at.Format(store.TimeLayout),
	}
}

func newTestEngine(st store.Store, tp transport.Transport) *Engine {
	return New(Config{
		TickInterval:      100 * time.Millisecond,
		RecoverRetries:    3,
		RecoverRetryDelay: 10 * time.Millisecond,
	}, st, tp, logx.Nop())
}

func TestCreateReplacesSameName(t *testing.T) {
	st := newFakeStore()
	e := newTestEngine(st, &fakeTransport{})
	ctx := context.Background()

	old, err := e.Create(ctx, intervalRecord("Weekly Update", 60))
	require.NoError(t, err)
	require.True(t, e.triggers.Active(old.ID))

	rec := intervalRecord("Weekly Update", 60)
	rec.Body = "updated text"
	cur, err := e.Create(ctx, rec)
	require.NoError(t, err)

	require.Equal(t, 1, st.count())
	_, err = st.FindByID(ctx, old.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.False(t, e.triggers.Active(old.ID))
	require.True(t, e.triggers.Active(cur.ID))
	require.Equal(t, "updated text", st.get(t, cur.ID).Body)
}

func TestCreateReplacesCompletedRecordToo(t *testing.T) {
	st := newFakeStore()
	e := newTestEngine(st, &fakeTransport{})
	ctx := context.Background()

	done := oneShotRecord("Launch", time.Now().Add(-time.Hour))
	done.Completed = true
	oldID := st.put(done)

	cur, err := e.Create(ctx, intervalRecord("Launch", 30))
	require.NoError(t, err)
	require.Equal(t, 1, st.count())
	_, err = st.FindByID(ctx, oldID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.True(t, e.triggers.Active(cur.ID))
}

func TestCreatePastOneShotGetsNoTrigger(t *testing.T) {
	st := newFakeStore()
	e := newTestEngine(st, &fakeTransport{})

	rec, err := e.Create(context.Background(), oneShotRecord("Late", time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	require.False(t, e.triggers.Active(rec.ID))
	// Create leaves the record pending; only recovery marks past-due records.
	require.False(t, st.get(t, rec.ID).Completed)
}

func TestCancel(t *testing.T) {
	st := newFakeStore()
	e := newTestEngine(st, &fakeTransport{})
	ctx := context.Background()

	rec, err := e.Create(ctx, intervalRecord("Reminder", 60))
	require.NoError(t, err)

	require.NoError(t, e.Cancel(ctx, rec.ID, chatA))
	require.Equal(t, 0, st.count())
	require.False(t, e.triggers.Active(rec.ID))

	require.ErrorIs(t, e.Cancel(ctx, rec.ID, chatA), store.ErrNotFound)
	require.ErrorIs(t, e.Cancel(ctx, "nope", chatA), store.ErrNotFound)
}

func TestCancelGuards(t *testing.T) {
	st := newFakeStore()
	e := newTestEngine(st, &fakeTransport{})
	ctx := context.Background()

	rec, err := e.Create(ctx, intervalRecord("Reminder", 60))
	require.NoError(t, err)

	// Wrong chat: no mutation.
	require.ErrorIs(t, e.Cancel(ctx, rec.ID, chatA+1), store.ErrNotFound)
	require.Equal(t, 1, st.count())

	// Already sent: no mutation.
	done := oneShotRecord("Done", time.Now().Add(time.Hour))
	done.Completed = true
	doneID := st.put(done)
	require.ErrorIs(t, e.Cancel(ctx, doneID, chatA), store.ErrNotFound)
	require.Equal(t, 2, st.count())
}

func TestRecoverMarksPastDueWithoutDelivering(t *testing.T) {
	st := newFakeStore()
	tp := &fakeTransport{}
	e := newTestEngine(st, tp)

	id := st.put(oneShotRecord("Missed", time.Now().Add(-24*time.Hour)))
	require.NoError(t, e.Recover(context.Background()))

	require.True(t, st.get(t, id).Completed)
	require.Equal(t, 0, e.triggers.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	e.Run(ctx)
	require.Equal(t, 0, tp.sentCount())
}

func TestRecoverSkipsInvalidInterval(t *testing.T) {
	st := newFakeStore()
	e := newTestEngine(st, &fakeTransport{})

	id := st.put(intervalRecord("Broken", -5))
	require.NoError(t, e.Recover(context.Background()))
	require.Equal(t, 0, e.triggers.Len())
	require.False(t, st.get(t, id).Completed)
}

func TestRecoverSkipsMissingFields(t *testing.T) {
	st := newFakeStore()
	e := newTestEngine(st, &fakeTransport{})

	r := intervalRecord("NoBody", 60)
	r.Body = ""
	st.put(r)
	st.put(store.Record{Destination: chatA, Body: "x", IntervalSeconds: 60}) // no name

	require.NoError(t, e.Recover(context.Background()))
	require.Equal(t, 0, e.triggers.Len())
}

func TestRecoverSkipsUnresolvableDestination(t *testing.T) {
	st := newFakeStore()
	tp := &fakeTransport{resolveErr: map[int64]error{chatA: errors.New("chat not found")}}
	e := newTestEngine(st, tp)

	st.put(intervalRecord("Orphan", 60))
	require.NoError(t, e.Recover(context.Background()))
	require.Equal(t, 0, e.triggers.Len())
}

func TestRecoverSkipsRecordWithoutTrigger(t *testing.T) {
	st := newFakeStore()
	e := newTestEngine(st, &fakeTransport{})

	st.put(store.Record{Destination: chatA, ScheduleName: "Neither", Body: "x"})
	require.NoError(t, e.Recover(context.Background()))
	require.Equal(t, 0, e.triggers.Len())
}

func TestRecoverInstallsValidSchedules(t *testing.T) {
	st := newFakeStore()
	e := newTestEngine(st, &fakeTransport{})

	a := st.put(intervalRecord("Hourly", 3600))
	b := st.put(oneShotRecord("Tomorrow", time.Now().Add(24*time.Hour)))
	bad := store.Record{Destination: chatA, ScheduleName: "Garbled", Body: "x", FireAt: "not-a-time"}
	st.put(bad)

	require.NoError(t, e.Recover(context.Background()))
	require.True(t, e.triggers.Active(a))
	require.True(t, e.triggers.Active(b))
}

func TestRecoverRetriesThenSucceeds(t *testing.T) {
	st := newFakeStore()
	st.scanErr = 2
	e := newTestEngine(st, &fakeTransport{})

	id := st.put(intervalRecord("Survivor", 60))
	require.NoError(t, e.Recover(context.Background()))
	require.True(t, e.triggers.Active(id))
}

func TestRecoverFatalAfterRetriesExhausted(t *testing.T) {
	st := newFakeStore()
	st.scanErr = 3
	e := newTestEngine(st, &fakeTransport{})

	err := e.Recover(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "loading schedules")
}

func TestDeliverCompletedIsIdempotent(t *testing.T) {
	st := newFakeStore()
	tp := &fakeTransport{}
	e := newTestEngine(st, tp)

	r := oneShotRecord("Sent", time.Now().Add(time.Hour))
	r.Completed = true
	id := st.put(r)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.deliver(context.Background(), id)
		}()
	}
	wg.Wait()
	require.Equal(t, 0, tp.sentCount())
}

func TestDeliverMissingRecordAbortsSilently(t *testing.T) {
	st := newFakeStore()
	tp := &fakeTransport{}
	e := newTestEngine(st, tp)

	e.deliver(context.Background(), "gone")
	require.Equal(t, 0, tp.sentCount())
}

func TestDeliverOneShotCompletesAndCancels(t *testing.T) {
	st := newFakeStore()
	tp := &fakeTransport{}
	e := newTestEngine(st, tp)
	ctx := context.Background()

	rec, err := e.Create(ctx, oneShotRecord("Launch", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.True(t, e.triggers.Active(rec.ID))

	e.deliver(ctx, rec.ID)
	require.Equal(t, 1, tp.sentCount())
	require.True(t, st.get(t, rec.ID).Completed)
	require.False(t, e.triggers.Active(rec.ID))
}

func TestDeliverSendFailureLeavesRecordPending(t *testing.T) {
	st := newFakeStore()
	tp := &fakeTransport{sendErr: errors.New("flood wait")}
	e := newTestEngine(st, tp)
	ctx := context.Background()

	rec, err := e.Create(ctx, oneShotRecord("Flaky", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	e.deliver(ctx, rec.ID)
	require.False(t, st.get(t, rec.ID).Completed)
	require.True(t, e.triggers.Active(rec.ID))
}

func TestDeliverRecurringStaysPending(t *testing.T) {
	st := newFakeStore()
	tp := &fakeTransport{}
	e := newTestEngine(st, tp)
	ctx := context.Background()

	rec, err := e.Create(ctx, intervalRecord("Heartbeat", 300))
	require.NoError(t, err)

	e.deliver(ctx, rec.ID)
	e.deliver(ctx, rec.ID)
	require.Equal(t, 2, tp.sentCount())
	require.False(t, st.get(t, rec.ID).Completed)
	require.True(t, e.triggers.Active(rec.ID))
}

func TestIntervalEndToEnd(t *testing.T) {
	st := newFakeStore()
	tp := &fakeTransport{}
	e := newTestEngine(st, tp)

	rec, err := e.Create(context.Background(), intervalRecord("Ticker", 1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	e.Run(ctx)

	require.GreaterOrEqual(t, tp.sentCount(), 1)
	require.False(t, st.get(t, rec.ID).Completed)
	require.True(t, e.triggers.Active(rec.ID))
}

func TestOneShotEndToEnd(t *testing.T) {
	st := newFakeStore()
	tp := &fakeTransport{}
	e := newTestEngine(st, tp)

	rec, err := e.Create(context.Background(), oneShotRecord("Once", time.Now().Add(2*time.Second)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3500*time.Millisecond)
	defer cancel()
	e.Run(ctx)

	require.Equal(t, 1, tp.sentCount())
	require.True(t, st.get(t, rec.ID).Completed)
	require.False(t, e.triggers.Active(rec.ID))
}
