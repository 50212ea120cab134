package chaser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chip-edw/taskchaser/pkg/acklink"
	"github.com/chip-edw/taskchaser/pkg/bizclock"
	"github.com/chip-edw/taskchaser/pkg/notify"
	"github.com/chip-edw/taskchaser/pkg/sor"
	"github.com/chip-edw/taskchaser/pkg/sqlite"
	"github.com/chip-edw/taskchaser/pkg/store"
	"github.com/chip-edw/taskchaser/pkg/workflow"
)

// --- fakes -----------------------------------------------------------------

type fakeSoR struct {
	states map[string]*sor.ItemState

	updates []chaseUpdate
	getErr  error
}

type chaseUpdate struct {
	itemID         string
	important      bool
	incrementChase bool
	next           time.Time
}

func (f *fakeSoR) GetStatusAndDueUtc(ctx context.Context, itemID string) (*sor.ItemState, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.states[itemID], nil
}

func (f *fakeSoR) UpdateChaserFields(ctx context.Context, itemID string, important, incrementChase bool, next time.Time) error {
	f.updates = append(f.updates, chaseUpdate{itemID, important, incrementChase, next})
	return nil
}

type fakeNotifier struct {
	posts   []notify.Message
	rootID  string
	failErr error
}

func (f *fakeNotifier) PostChaser(ctx context.Context, m notify.Message) (string, string, error) {
	if f.failErr != nil {
		return "", "", f.failErr
	}
	f.posts = append(f.posts, m)
	root := m.RootMessageID
	if f.rootID != "" {
		root = f.rootID
	}
	return root, "msg-" + root, nil
}

type fakeLinks struct{ built []acklink.LinkParams }

func (f *fakeLinks) Build(ctx context.Context, p acklink.LinkParams) (string, error) {
	f.built = append(f.built, p)
	return fmt.Sprintf("https://chaser.example.com/ack?tid=%d&v=%d&exp=%d&sig=abc", p.TaskID, p.Version, p.ExpiresAt.Unix()), nil
}

// --- harness ---------------------------------------------------------------

type harness struct {
	store    *store.Store
	sor      *fakeSoR
	notifier *fakeNotifier
	links    *fakeLinks
	loop     *Loop
	now      time.Time
}

var defaultOpts = Options{
	CadenceMinutes:         5,
	BatchSize:              50,
	SendHourLocal:          9,
	WindowStartHourLocal:   8,
	WindowEndHourLocal:     18,
	ChaserTtlHours:         24,
	MaxConsecutiveFailures: 5,
	CoolOffMinutes:         15,
}

func newHarness(t *testing.T, order map[workflow.CategoryAnchor]int) *harness {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "chaser.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	s := store.New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	h := &harness{
		store:    s,
		sor:      &fakeSoR{states: map[string]*sor.ItemState{}},
		notifier: &fakeNotifier{},
		links:    &fakeLinks{},
	}
	h.loop = New(defaultOpts, s, h.sor, h.notifier, h.links, bizclock.New(zap.NewNop()), order, zap.NewNop())
	h.loop.now = func() time.Time { return h.now }
	return h
}

func (h *harness) addTask(t *testing.T, spItemID string, d store.Dims, nextChase time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := h.store.Reserve(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.Link(ctx, id, spItemID); err != nil {
		t.Fatal(err)
	}
	if err := h.store.MirrorNextChase(ctx, id, nextChase); err != nil {
		t.Fatal(err)
	}
	return id
}

func utc(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts.UTC()
}

// --- scenarios -------------------------------------------------------------

func TestInWindowOverdueFirstChase(t *testing.T) {
	h := newHarness(t, nil)
	h.now = utc(t, "2025-01-06T10:00:00Z") // Monday 10:00 London

	due := utc(t, "2025-01-05T12:00:00Z")
	h.sor.states["1001"] = &sor.ItemState{Status: "In Progress", DueDateUtc: &due}
	id := h.addTask(t, "1001", store.Dims{Region: "EMEA", TeamID: "team", ChannelID: "chan", TaskName: "Kickoff"},
		utc(t, "2025-01-06T09:00:00Z"))

	if err := h.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(h.notifier.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(h.notifier.posts))
	}
	post := h.notifier.posts[0]
	if !strings.Contains(post.HTML, "Kickoff") || !strings.Contains(post.HTML, "https://chaser.example.com/ack?") {
		t.Errorf("post body missing task name or ack link: %s", post.HTML)
	}
	if !strings.Contains(post.HTML, "05 Jan 2025") {
		t.Errorf("post body missing the original due instant: %s", post.HTML)
	}

	if len(h.sor.updates) != 1 {
		t.Fatalf("sor updates = %d, want 1", len(h.sor.updates))
	}
	up := h.sor.updates[0]
	wantNext := utc(t, "2025-01-07T09:00:00Z")
	if !up.important || !up.incrementChase || !up.next.Equal(wantNext) {
		t.Errorf("sor update = %+v, want important, increment, next %v", up, wantNext)
	}

	task, _ := h.store.GetTask(context.Background(), id)
	if task.AckVersion != 2 {
		t.Errorf("AckVersion = %d, want 2", task.AckVersion)
	}
	if task.AckExpiresUtc == nil || !task.AckExpiresUtc.Equal(utc(t, "2025-01-07T10:00:00Z")) {
		t.Errorf("AckExpiresUtc = %v, want 2025-01-07T10:00:00Z", task.AckExpiresUtc)
	}
	if task.NextChaseAtUtcCached == nil || !task.NextChaseAtUtcCached.Equal(wantNext) {
		t.Errorf("NextChaseAtUtcCached = %v, want %v", task.NextChaseAtUtcCached, wantNext)
	}
	if task.LastChaseAtUtc == nil || !task.LastChaseAtUtc.Equal(h.now) {
		t.Errorf("LastChaseAtUtc = %v, want %v", task.LastChaseAtUtc, h.now)
	}
}

func TestOutOfWindowReschedulesWithoutPosting(t *testing.T) {
	h := newHarness(t, nil)
	h.now = utc(t, "2025-01-06T03:00:00Z") // 03:00 London, before the window

	due := utc(t, "2025-01-05T12:00:00Z")
	h.sor.states["1001"] = &sor.ItemState{Status: "In Progress", DueDateUtc: &due}
	id := h.addTask(t, "1001", store.Dims{Region: "EMEA"}, utc(t, "2025-01-06T02:00:00Z"))

	if err := h.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(h.notifier.posts) != 0 {
		t.Error("no post expected outside the window")
	}
	wantNext := utc(t, "2025-01-06T09:00:00Z") // same day, send hour still ahead
	if len(h.sor.updates) != 1 {
		t.Fatalf("sor updates = %d, want 1", len(h.sor.updates))
	}
	up := h.sor.updates[0]
	if !up.important || up.incrementChase || !up.next.Equal(wantNext) {
		t.Errorf("sor update = %+v, want important, no increment, next %v", up, wantNext)
	}

	task, _ := h.store.GetTask(context.Background(), id)
	if task.AckVersion != 1 {
		t.Errorf("AckVersion = %d, must be unchanged", task.AckVersion)
	}
	if task.NextChaseAtUtcCached == nil || !task.NextChaseAtUtcCached.Equal(wantNext) {
		t.Errorf("NextChaseAtUtcCached = %v, want %v", task.NextChaseAtUtcCached, wantNext)
	}
}

func TestCompletedAtSourceRetiresCandidate(t *testing.T) {
	h := newHarness(t, nil)
	h.now = utc(t, "2025-01-06T10:00:00Z")

	h.sor.states["1001"] = &sor.ItemState{Status: "Completed"}
	id := h.addTask(t, "1001", store.Dims{Region: "EMEA"}, utc(t, "2025-01-06T09:00:00Z"))

	if err := h.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(h.notifier.posts) != 0 || len(h.sor.updates) != 0 {
		t.Error("completed task must not be posted or written through")
	}
	task, _ := h.store.GetTask(context.Background(), id)
	if !task.Completed() {
		t.Errorf("Status = %q, want cached Completed", task.Status)
	}

	// And it is no longer a candidate.
	cands, err := h.store.DueCandidates(context.Background(), h.now.Add(time.Hour), 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 0 {
		t.Errorf("retired row still a candidate: %v", cands)
	}
}

func TestGoneAtSourceRetiresCandidate(t *testing.T) {
	h := newHarness(t, nil)
	h.now = utc(t, "2025-01-06T10:00:00Z")

	// No entry in the fake: the source reports the item deleted.
	id := h.addTask(t, "1001", store.Dims{Region: "EMEA"}, utc(t, "2025-01-06T09:00:00Z"))

	if err := h.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.notifier.posts) != 0 || len(h.sor.updates) != 0 {
		t.Error("gone task must not be posted or written through")
	}

	task, _ := h.store.GetTask(context.Background(), id)
	if task.NextChaseAtUtcCached != nil {
		t.Errorf("NextChaseAtUtcCached = %v, want cleared", task.NextChaseAtUtcCached)
	}
	// The row must stop surfacing, not be re-polled on every tick.
	cands, err := h.store.DueCandidates(context.Background(), h.now.Add(24*time.Hour), 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 0 {
		t.Errorf("retired row still a candidate: %v", cands)
	}
}

func TestNewClampsZeroOptions(t *testing.T) {
	loop := New(Options{}, nil, nil, nil, nil, nil, nil, zap.NewNop())
	if loop.opts.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want the 50 floor", loop.opts.BatchSize)
	}
	if loop.opts.CadenceMinutes != 1 || loop.opts.ChaserTtlHours != 1 {
		t.Errorf("cadence=%d ttl=%d, want the 1 floors", loop.opts.CadenceMinutes, loop.opts.ChaserTtlHours)
	}
}

func TestNotYetDueAtSourceSkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.now = utc(t, "2025-01-06T10:00:00Z")

	due := utc(t, "2025-01-08T12:00:00Z") // source says later
	h.sor.states["1001"] = &sor.ItemState{Status: "In Progress", DueDateUtc: &due}
	id := h.addTask(t, "1001", store.Dims{Region: "EMEA"}, utc(t, "2025-01-06T09:00:00Z"))

	if err := h.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.notifier.posts) != 0 || len(h.sor.updates) != 0 {
		t.Error("not-yet-due task must be skipped entirely")
	}
	task, _ := h.store.GetTask(context.Background(), id)
	if task.AckVersion != 1 {
		t.Errorf("AckVersion = %d, must be unchanged", task.AckVersion)
	}
}

func TestPostFailureBumpsNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.now = utc(t, "2025-01-06T10:00:00Z")
	h.notifier.failErr = errors.New("chat api down")

	due := utc(t, "2025-01-05T12:00:00Z")
	h.sor.states["1001"] = &sor.ItemState{Status: "In Progress", DueDateUtc: &due}
	id := h.addTask(t, "1001", store.Dims{Region: "EMEA"}, utc(t, "2025-01-06T09:00:00Z"))

	if err := h.loop.Tick(context.Background()); err == nil {
		t.Fatal("tick should surface the post failure")
	}

	if len(h.sor.updates) != 0 {
		t.Error("counters must not be bumped when the post fails")
	}
	task, _ := h.store.GetTask(context.Background(), id)
	if task.AckVersion != 1 || task.LastChaseAtUtc != nil {
		t.Errorf("persisted state changed after failed post: version=%d last=%v", task.AckVersion, task.LastChaseAtUtc)
	}

	// The row stays due, so the next tick retries.
	cands, _ := h.store.DueCandidates(context.Background(), h.now, 50)
	if len(cands) != 1 {
		t.Error("failed candidate should remain due for the next tick")
	}
}

func TestSequentialGateHoldsSuccessor(t *testing.T) {
	order := map[workflow.CategoryAnchor]int{
		{Category: "Prep", Anchor: "GoLive"}:  0,
		{Category: "Retro", Anchor: "GoLive"}: 1,
	}
	h := newHarness(t, order)
	h.now = utc(t, "2025-01-06T10:00:00Z")

	due := utc(t, "2025-01-05T12:00:00Z")
	h.sor.states["2001"] = &sor.ItemState{Status: "In Progress", DueDateUtc: &due}
	h.sor.states["2002"] = &sor.ItemState{Status: "In Progress", DueDateUtc: &due}

	dims := store.Dims{CustomerID: "acme", AnchorDateType: "GoLive", StartOffsetDays: 0, Region: "EMEA"}
	prepDims := dims
	prepDims.CategoryKey = "Prep"
	prepDims.TaskName = "Prep work"
	retroDims := dims
	retroDims.CategoryKey = "Retro"
	retroDims.TaskName = "Retro meeting"

	h.addTask(t, "2001", prepDims, utc(t, "2025-01-06T09:00:00Z"))
	retroID := h.addTask(t, "2002", retroDims, utc(t, "2025-01-06T09:00:00Z"))

	if err := h.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(h.notifier.posts) != 1 {
		t.Fatalf("posts = %d, want only the Prep chaser", len(h.notifier.posts))
	}
	if !strings.Contains(h.notifier.posts[0].HTML, "Prep work") {
		t.Errorf("posted the wrong task: %s", h.notifier.posts[0].HTML)
	}

	retro, _ := h.store.GetTask(context.Background(), retroID)
	if retro.AckVersion != 1 || retro.LastChaseAtUtc != nil {
		t.Error("gated successor must keep schedule and counters unchanged")
	}
	if retro.NextChaseAtUtcCached == nil || !retro.NextChaseAtUtcCached.Equal(utc(t, "2025-01-06T09:00:00Z")) {
		t.Error("gated successor schedule must not be rewritten")
	}
}

func TestGateOpensOncePredecessorCompletes(t *testing.T) {
	order := map[workflow.CategoryAnchor]int{
		{Category: "Prep", Anchor: "GoLive"}:  0,
		{Category: "Retro", Anchor: "GoLive"}: 1,
	}
	h := newHarness(t, order)
	h.now = utc(t, "2025-01-06T10:00:00Z")

	due := utc(t, "2025-01-05T12:00:00Z")
	h.sor.states["2001"] = &sor.ItemState{Status: "Completed"}
	h.sor.states["2002"] = &sor.ItemState{Status: "In Progress", DueDateUtc: &due}

	dims := store.Dims{CustomerID: "acme", AnchorDateType: "GoLive", Region: "EMEA"}
	prepDims := dims
	prepDims.CategoryKey = "Prep"
	retroDims := dims
	retroDims.CategoryKey = "Retro"

	prepID := h.addTask(t, "2001", prepDims, utc(t, "2025-01-06T09:00:00Z"))
	h.addTask(t, "2002", retroDims, utc(t, "2025-01-06T09:00:00Z"))

	// Mark the predecessor complete locally, as a prior tick would have.
	if err := h.store.MirrorStatus(context.Background(), prepID, "Completed"); err != nil {
		t.Fatal(err)
	}

	if err := h.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.notifier.posts) != 1 {
		t.Fatalf("posts = %d, want the Retro chaser once Prep is complete", len(h.notifier.posts))
	}
}

func TestRepeatedTickOnlyRotatesVersion(t *testing.T) {
	h := newHarness(t, nil)
	h.now = utc(t, "2025-01-06T10:00:00Z")

	due := utc(t, "2025-01-05T12:00:00Z")
	h.sor.states["1001"] = &sor.ItemState{Status: "In Progress", DueDateUtc: &due}
	id := h.addTask(t, "1001", store.Dims{Region: "EMEA"}, utc(t, "2025-01-06T09:00:00Z"))

	if err := h.loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	first, _ := h.store.GetTask(context.Background(), id)

	// Force the row due again with no external change and re-tick at the
	// same instant.
	if err := h.store.MirrorNextChase(context.Background(), id, h.now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := h.loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	second, _ := h.store.GetTask(context.Background(), id)

	if second.AckVersion != first.AckVersion+1 {
		t.Errorf("AckVersion went %d → %d, want +1 per tick", first.AckVersion, second.AckVersion)
	}
	if !second.AckExpiresUtc.Equal(*first.AckExpiresUtc) {
		t.Errorf("AckExpiresUtc changed: %v → %v", first.AckExpiresUtc, second.AckExpiresUtc)
	}
	if len(h.links.built) != 2 || h.links.built[1].Version != h.links.built[0].Version+1 {
		t.Error("each tick must issue a link with the next version")
	}
}

func TestNewRootMirrored(t *testing.T) {
	h := newHarness(t, nil)
	h.now = utc(t, "2025-01-06T10:00:00Z")
	h.notifier.rootID = "new-root"

	due := utc(t, "2025-01-05T12:00:00Z")
	h.sor.states["1001"] = &sor.ItemState{Status: "In Progress", DueDateUtc: &due}
	id := h.addTask(t, "1001", store.Dims{Region: "EMEA", CategoryKey: "Prep"}, utc(t, "2025-01-06T09:00:00Z"))

	if err := h.loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	task, _ := h.store.GetTask(context.Background(), id)
	if task.RootMessageID != "new-root" {
		t.Errorf("RootMessageId = %q, want the mirrored new root", task.RootMessageID)
	}
	if task.CategoryKey != "Prep" {
		t.Error("thread mirror must not clobber the gating attributes")
	}
}

func TestRunSafetyValveCoolsOff(t *testing.T) {
	order := map[workflow.CategoryAnchor]int(nil)
	h := newHarness(t, order)
	h.now = utc(t, "2025-01-06T10:00:00Z")
	h.sor.getErr = errors.New("boom")

	due := utc(t, "2025-01-05T12:00:00Z")
	_ = due
	h.addTask(t, "1001", store.Dims{Region: "EMEA"}, utc(t, "2025-01-06T09:00:00Z"))

	opts := defaultOpts
	opts.MaxConsecutiveFailures = 2
	opts.CoolOffMinutes = 15
	loop := New(opts, h.store, h.sor, h.notifier, h.links, bizclock.New(zap.NewNop()), order, zap.NewNop())
	loop.now = func() time.Time { return h.now }

	ctx, cancel := context.WithCancel(context.Background())
	var sleeps []time.Duration
	loop.sleep = func(ctx context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		if len(sleeps) >= 4 {
			cancel()
			return false
		}
		return true
	}

	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}

	// Two failed ticks, then the cool-off sleep appears.
	var sawCoolOff bool
	for _, d := range sleeps {
		if d == 15*time.Minute {
			sawCoolOff = true
		}
	}
	if !sawCoolOff {
		t.Errorf("sleeps = %v, want a 15m cool-off after 2 consecutive failures", sleeps)
	}
}

func TestRunPacingFloor(t *testing.T) {
	h := newHarness(t, nil)
	h.now = utc(t, "2025-01-06T10:00:00Z")

	opts := defaultOpts
	opts.CadenceMinutes = 1
	loop := New(opts, h.store, h.sor, h.notifier, h.links, bizclock.New(zap.NewNop()), nil, zap.NewNop())

	// Simulate a tick that took longer than the cadence.
	base := h.now
	calls := 0
	loop.now = func() time.Time {
		calls++
		if calls > 1 {
			return base.Add(5 * time.Minute)
		}
		return base
	}

	ctx, cancel := context.WithCancel(context.Background())
	var pause time.Duration
	loop.sleep = func(ctx context.Context, d time.Duration) bool {
		pause = d
		cancel()
		return false
	}

	loop.Run(ctx)
	if pause != time.Second {
		t.Errorf("pause = %v, want the 1s floor when the tick overran", pause)
	}
}
