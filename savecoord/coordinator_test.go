package savecoord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/boardkeeper/board"
)

var userEdit = board.ChangeEvent{Origin: board.OriginUser, Scope: board.ScopeDocument}

// liveEditor holds the current canvas, like the editor instance on a page.
type liveEditor struct {
	mu   sync.Mutex
	data string
}

func (e *liveEditor) set(label string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = fmt.Sprintf(`{"label":%q}`, label)
}

func (e *liveEditor) Snapshot() (board.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return board.Snapshot{Data: json.RawMessage(e.data)}, nil
}

type recordingSaver struct {
	mu   sync.Mutex
	reqs []board.SaveRequest
	fail func(n int) error
}

func (s *recordingSaver) Save(_ context.Context, req board.SaveRequest) (board.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.fail != nil {
		if err := s.fail(len(s.reqs)); err != nil {
			return board.SaveResult{}, err
		}
	}
	return board.SaveResult{BoardID: req.BoardID, Revision: int64(len(s.reqs)), Changed: true}, nil
}

func (s *recordingSaver) saved() []board.SaveRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]board.SaveRequest(nil), s.reqs...)
}

type countingIndexer struct{ n atomic.Int32 }

func (i *countingIndexer) Refresh(string) { i.n.Add(1) }

func label(t *testing.T, req board.SaveRequest) string {
	t.Helper()
	var v struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal(req.Snapshot.Data, &v); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return v.Label
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *liveEditor, *recordingSaver, *manualClock) {
	t.Helper()
	clk := newManualClock()
	ed := &liveEditor{}
	ed.set("initial")
	sv := &recordingSaver{}
	opts = append([]Option{WithClock(clk), WithOwner("u1")}, opts...)
	c := New("brd_test", ed, sv, Config{Delay: 500 * time.Millisecond}, opts...)
	return c, ed, sv, clk
}

func TestNotify_BurstSavesOnceWithLastSnapshot(t *testing.T) {
	c, ed, sv, clk := newTestCoordinator(t)
	start := clk.Now()

	for i, at := range []string{"t0", "t100", "t200"} {
		if i > 0 {
			clk.Advance(100 * time.Millisecond)
		}
		ed.set(at)
		if !c.Notify(userEdit) {
			t.Fatalf("Notify(%s) = false, want true", at)
		}
	}

	clk.Advance(499 * time.Millisecond)
	c.Wait()
	if n := len(sv.saved()); n != 0 {
		t.Fatalf("saves before delay elapsed: %d", n)
	}

	clk.Advance(time.Millisecond)
	c.Wait()
	saves := sv.saved()
	if len(saves) != 1 {
		t.Fatalf("saves = %d, want 1", len(saves))
	}
	if got := label(t, saves[0]); got != "t200" {
		t.Errorf("saved snapshot = %q, want t200", got)
	}
	if want := start.Add(700 * time.Millisecond); !saves[0].Snapshot.TakenAt.Equal(want) {
		t.Errorf("taken_at = %v, want %v", saves[0].Snapshot.TakenAt, want)
	}
	if saves[0].Cause != board.CauseDebounce {
		t.Errorf("cause = %q, want debounce", saves[0].Cause)
	}
	if saves[0].OwnerID != "u1" {
		t.Errorf("owner = %q, want u1", saves[0].OwnerID)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestNotify_TwoBurstsSaveTwice(t *testing.T) {
	c, ed, sv, clk := newTestCoordinator(t)
	start := clk.Now()

	// Burst at 0/100/200, then a lone edit at 800 once the first save is out.
	ed.set("t0")
	c.Notify(userEdit)
	clk.Advance(100 * time.Millisecond)
	ed.set("t100")
	c.Notify(userEdit)
	clk.Advance(100 * time.Millisecond)
	ed.set("t200")
	c.Notify(userEdit)
	clk.Advance(600 * time.Millisecond)
	ed.set("t800")
	c.Notify(userEdit)
	clk.Advance(time.Second)
	c.Wait()

	saves := sv.saved()
	if len(saves) != 2 {
		t.Fatalf("saves = %d, want 2", len(saves))
	}
	want := []struct {
		label string
		at    time.Duration
	}{
		{"t200", 700 * time.Millisecond},
		{"t800", 1300 * time.Millisecond},
	}
	for i, w := range want {
		if got := label(t, saves[i]); got != w.label {
			t.Errorf("save %d snapshot = %q, want %q", i, got, w.label)
		}
		if !saves[i].Snapshot.TakenAt.Equal(start.Add(w.at)) {
			t.Errorf("save %d at %v, want +%v", i, saves[i].Snapshot.TakenAt.Sub(start), w.at)
		}
	}
}

func TestNotify_EditInsideDelayRearms(t *testing.T) {
	c, ed, sv, clk := newTestCoordinator(t)
	start := clk.Now()

	// The edit at 600 lands before the timer armed at 200 expires (700),
	// so it cancels that timer: one save at 1100 with the newest state.
	for i, step := range []time.Duration{0, 100, 100, 400} {
		clk.Advance(step)
		ed.set(fmt.Sprintf("e%d", i))
		c.Notify(userEdit)
	}
	clk.Advance(time.Second)
	c.Wait()

	saves := sv.saved()
	if len(saves) != 1 {
		t.Fatalf("saves = %d, want 1", len(saves))
	}
	if got := label(t, saves[0]); got != "e3" {
		t.Errorf("saved snapshot = %q, want e3", got)
	}
	if want := start.Add(1100 * time.Millisecond); !saves[0].Snapshot.TakenAt.Equal(want) {
		t.Errorf("saved at +%v, want +1.1s", saves[0].Snapshot.TakenAt.Sub(start))
	}
}

func TestNotify_SpacedEventsSaveEach(t *testing.T) {
	c, ed, sv, clk := newTestCoordinator(t)

	for i := 0; i < 3; i++ {
		ed.set(fmt.Sprintf("s%d", i))
		c.Notify(userEdit)
		clk.Advance(600 * time.Millisecond)
		c.Wait()
	}

	saves := sv.saved()
	if len(saves) != 3 {
		t.Fatalf("saves = %d, want 3", len(saves))
	}
	for i, s := range saves {
		if got := label(t, s); got != fmt.Sprintf("s%d", i) {
			t.Errorf("save %d = %q", i, got)
		}
	}
}

func TestNotify_IgnoresSystemAndPresence(t *testing.T) {
	c, _, sv, clk := newTestCoordinator(t)

	events := []board.ChangeEvent{
		{Origin: board.OriginSystem, Scope: board.ScopeDocument},
		{Origin: board.OriginUser, Scope: board.ScopePresence},
		{Origin: board.OriginSystem, Scope: board.ScopePresence},
	}
	for _, ev := range events {
		if c.Notify(ev) {
			t.Errorf("Notify(%+v) = true, want false", ev)
		}
	}
	clk.Advance(time.Second)
	c.Wait()

	if n := len(sv.saved()); n != 0 {
		t.Fatalf("saves = %d, want 0", n)
	}
	if clk.Armed() != 0 {
		t.Errorf("armed timers = %d, want 0", clk.Armed())
	}
}

func TestFlushNow_PreemptsPendingTimer(t *testing.T) {
	c, ed, sv, clk := newTestCoordinator(t)
	start := clk.Now()

	ed.set("t0")
	c.Notify(userEdit)
	clk.Advance(50 * time.Millisecond)

	res, err := c.FlushNow(context.Background())
	if err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	if res.Revision != 1 {
		t.Errorf("revision = %d, want 1", res.Revision)
	}

	clk.Advance(time.Second)
	c.Wait()

	saves := sv.saved()
	if len(saves) != 1 {
		t.Fatalf("saves = %d, want 1", len(saves))
	}
	if saves[0].Cause != board.CauseTeardown {
		t.Errorf("cause = %q, want teardown", saves[0].Cause)
	}
	if got := label(t, saves[0]); got != "t0" {
		t.Errorf("snapshot = %q, want t0", got)
	}
	if want := start.Add(50 * time.Millisecond); !saves[0].Snapshot.TakenAt.Equal(want) {
		t.Errorf("flushed at +%v, want +50ms", saves[0].Snapshot.TakenAt.Sub(start))
	}
	if c.State() != StateFlushed {
		t.Errorf("state = %v, want flushed", c.State())
	}
}

func TestFlushNow_SavesWithoutPendingChange(t *testing.T) {
	c, _, sv, _ := newTestCoordinator(t)

	if _, err := c.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	if n := len(sv.saved()); n != 1 {
		t.Fatalf("saves = %d, want 1", n)
	}
}

func TestFlushNow_OnlyOnce(t *testing.T) {
	c, _, sv, clk := newTestCoordinator(t)

	if _, err := c.FlushNow(context.Background()); err != nil {
		t.Fatalf("first FlushNow: %v", err)
	}
	if _, err := c.FlushNow(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("second FlushNow: got %v, want ErrClosed", err)
	}
	if c.Notify(userEdit) {
		t.Error("Notify after teardown = true, want false")
	}
	clk.Advance(time.Second)
	c.Wait()
	if n := len(sv.saved()); n != 1 {
		t.Fatalf("saves = %d, want 1", n)
	}
}

func TestDispose_CancelsPendingSave(t *testing.T) {
	c, _, sv, clk := newTestCoordinator(t)

	c.Notify(userEdit)
	if !c.Pending() {
		t.Fatal("expected pending save")
	}
	c.Dispose()
	c.Dispose()
	clk.Advance(time.Second)
	c.Wait()

	if n := len(sv.saved()); n != 0 {
		t.Fatalf("saves = %d, want 0", n)
	}
	if _, err := c.FlushNow(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("FlushNow after Dispose: got %v, want ErrClosed", err)
	}
}

func TestSave_IndexesOnSuccessOnly(t *testing.T) {
	idx := &countingIndexer{}
	c, _, sv, clk := newTestCoordinator(t, WithIndexer(idx))
	sv.fail = func(n int) error {
		if n == 1 {
			return board.ErrStaleSnapshot
		}
		return nil
	}

	c.Notify(userEdit)
	clk.Advance(time.Second)
	c.Wait()
	if got := idx.n.Load(); got != 0 {
		t.Fatalf("refreshes after failed save = %d, want 0", got)
	}

	if _, err := c.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	if got := idx.n.Load(); got != 1 {
		t.Fatalf("refreshes = %d, want 1", got)
	}
}

func TestSave_IdempotentRepeat(t *testing.T) {
	// memBackend applies the store rules: identical content is a no-op.
	var (
		mu       sync.Mutex
		hash     string
		revision int64
	)
	backend := SaverFunc(func(_ context.Context, req board.SaveRequest) (board.SaveResult, error) {
		mu.Lock()
		defer mu.Unlock()
		h := req.Snapshot.Hash()
		changed := h != hash
		if changed {
			hash = h
			revision++
		}
		return board.SaveResult{BoardID: req.BoardID, Revision: revision, Changed: changed, ContentHash: h}, nil
	})

	clk := newManualClock()
	ed := &liveEditor{}
	ed.set("same")
	var outcomes []Outcome
	c := New("brd_idem", ed, backend, Config{}, WithClock(clk), WithObserver(func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}))

	c.Notify(userEdit)
	clk.Advance(time.Second)
	c.Wait()
	res, err := c.FlushNow(context.Background())
	if err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	if res.Changed || res.Revision != 1 {
		t.Fatalf("repeat save: changed=%v revision=%d, want unchanged revision 1", res.Changed, res.Revision)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 2 || outcomes[0].Cause != board.CauseDebounce || outcomes[1].Cause != board.CauseTeardown {
		t.Fatalf("outcomes = %+v", outcomes)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{StateIdle: "idle", StateArmed: "armed", StateFlushed: "flushed", State(9): "state(9)"} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
