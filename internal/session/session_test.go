package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/sparkyard/internal/config"
	"github.com/zulandar/sparkyard/internal/engineapi"
	"github.com/zulandar/sparkyard/internal/fault"
	"github.com/zulandar/sparkyard/internal/models"
	"github.com/zulandar/sparkyard/internal/queue"
	"github.com/zulandar/sparkyard/internal/registry"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	// :memory: is per-connection; pin the pool to one.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.Workspace{},
		&models.Queue{},
		&models.Reservation{},
		&models.EngineInstance{},
		&models.Session{},
		&models.JobUnit{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

// fakeEngine is an in-memory engineapi.Client.
type fakeEngine struct {
	mu          sync.Mutex
	nextSession int
	sessions    map[string]engineapi.Status
	closed      []string
	createErr   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{sessions: map[string]engineapi.Status{}}
}

func (f *fakeEngine) CreateSession(ctx context.Context, addr string, cfg engineapi.SessionConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextSession++
	id := fmt.Sprintf("%d", f.nextSession)
	f.sessions[id] = engineapi.StatusIdle
	return id, nil
}

func (f *fakeEngine) SessionStatus(ctx context.Context, addr, engineSessionID string) (engineapi.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.sessions[engineSessionID]
	if !ok {
		return engineapi.StatusNotFound, nil
	}
	return st, nil
}

func (f *fakeEngine) CloseSession(ctx context.Context, addr, engineSessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, engineSessionID)
	f.closed = append(f.closed, engineSessionID)
	return nil
}

func (f *fakeEngine) Submit(ctx context.Context, addr, engineSessionID, kind, payload string) (string, error) {
	return "stmt-1", nil
}

func (f *fakeEngine) JobStatus(ctx context.Context, addr, engineSessionID, engineJobID string) (engineapi.JobResult, error) {
	return engineapi.JobResult{Status: engineapi.StatusRunning}, nil
}

func (f *fakeEngine) CancelJob(ctx context.Context, addr, engineSessionID, engineJobID string) error {
	return nil
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		IdleWindow:      10 * time.Minute,
		IdleClose:       30 * time.Minute,
		BindWait:        300 * time.Millisecond,
		MaxBindAttempts: 2,
		BackoffBase:     5 * time.Millisecond,
		BackoffMax:      10 * time.Millisecond,
	}
}

// harness wires a Sessions over an in-memory database with one queue and one
// workspace seeded.
type harness struct {
	db       *gorm.DB
	registry *registry.Registry
	queues   *queue.Manager
	engine   *fakeEngine
	sessions *Sessions
}

func newHarness(t *testing.T, queueSlots, maxSessions int) *harness {
	t.Helper()
	db := openTestDB(t)
	if err := db.Create(&models.Queue{Name: "default", TotalSlots: queueSlots}).Error; err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	ws := models.Workspace{ID: "ws-a", Queue: "default", MaxSessions: maxSessions}
	if err := db.Create(&ws).Error; err != nil {
		t.Fatalf("seed workspace: %v", err)
	}

	reg := registry.New(db, config.RegistryConfig{
		HeartbeatInterval: 10 * time.Second,
		DegradedAfter:     3,
		UnreachableAfter:  3,
		RemovalGrace:      5 * time.Minute,
	})
	queues := queue.NewManager(db)
	engine := newFakeEngine()
	return &harness{
		db:       db,
		registry: reg,
		queues:   queues,
		engine:   engine,
		sessions: New(db, reg, queues, engine, testSessionConfig()),
	}
}

func (h *harness) registerEngine(t *testing.T, id string, slots int) {
	t.Helper()
	_, err := h.registry.Register(registry.Descriptor{
		ID:         id,
		Kind:       models.KindInteractiveSQL,
		Address:    "http://" + id + ".local:8998",
		TotalSlots: slots,
	})
	if err != nil {
		t.Fatalf("register engine %s: %v", id, err)
	}
}

func TestRequest_BindsToEngine(t *testing.T) {
	h := newHarness(t, 4, 5)
	h.registerEngine(t, "eng-1", 2)

	sess, err := h.sessions.Request(context.Background(), "ws-a", "alice/notebook-1", "", RequestOpts{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if sess.State != models.SessionActive {
		t.Errorf("State = %q, want active", sess.State)
	}
	if sess.EngineID != "eng-1" || sess.EngineSessionID == "" {
		t.Errorf("binding = (%q, %q), want eng-1 with a downstream id", sess.EngineID, sess.EngineSessionID)
	}
	if sess.Kind != models.KindInteractiveSQL {
		t.Errorf("Kind = %q, want default interactive-sql", sess.Kind)
	}

	eng, err := h.registry.Get("eng-1")
	if err != nil {
		t.Fatalf("Get engine: %v", err)
	}
	if eng.UsedSlots != 1 {
		t.Errorf("UsedSlots = %d, want 1", eng.UsedSlots)
	}

	q, _ := h.queues.Snapshot("default")
	if q.ReservedSlots != 1 {
		t.Errorf("ReservedSlots = %d, want 1", q.ReservedSlots)
	}
}

func TestRequest_ReusesLiveSession(t *testing.T) {
	h := newHarness(t, 4, 5)
	h.registerEngine(t, "eng-1", 4)

	first, err := h.sessions.Request(context.Background(), "ws-a", "alice/notebook-1", "", RequestOpts{})
	if err != nil {
		t.Fatalf("first Request: %v", err)
	}
	second, err := h.sessions.Request(context.Background(), "ws-a", "alice/notebook-1", "", RequestOpts{})
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("second request created %q, want reuse of %q", second.ID, first.ID)
	}

	q, _ := h.queues.Snapshot("default")
	if q.ReservedSlots != 1 {
		t.Errorf("ReservedSlots = %d, reuse must not admit again", q.ReservedSlots)
	}
}

func TestRequest_ConcurrentSameKeyYieldsOneSession(t *testing.T) {
	h := newHarness(t, 10, 5)
	h.registerEngine(t, "eng-1", 8)

	const callers = 6
	var wg sync.WaitGroup
	ids := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := h.sessions.Request(context.Background(), "ws-a", "alice/notebook-1", "", RequestOpts{})
			if err == nil {
				ids[i] = sess.ID
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Request %d: %v", i, err)
		}
	}
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("ids = %v, want every caller handed the same session", ids)
		}
	}

	var live int64
	h.db.Model(&models.Session{}).
		Where("logical_key = ? AND state NOT IN ?", "alice/notebook-1",
			[]string{models.SessionClosed, models.SessionFailed}).
		Count(&live)
	if live != 1 {
		t.Errorf("live sessions for the key = %d, want 1", live)
	}
}

func TestRequest_DistinctKeysDistinctSessions(t *testing.T) {
	h := newHarness(t, 4, 5)
	h.registerEngine(t, "eng-1", 4)

	a, err := h.sessions.Request(context.Background(), "ws-a", "alice/notebook-1", "", RequestOpts{})
	if err != nil {
		t.Fatalf("Request a: %v", err)
	}
	b, err := h.sessions.Request(context.Background(), "ws-a", "alice/notebook-2", "", RequestOpts{})
	if err != nil {
		t.Fatalf("Request b: %v", err)
	}
	if a.ID == b.ID {
		t.Error("distinct logical keys must map to distinct sessions")
	}
}

func TestRequest_NoCapacityWithoutEngines(t *testing.T) {
	h := newHarness(t, 4, 5)

	_, err := h.sessions.Request(context.Background(), "ws-a", "alice/notebook-1", "", RequestOpts{})
	if fault.ReasonOf(err) != fault.NoCapacity {
		t.Fatalf("err = %v, want NoCapacity", err)
	}

	// The failed session released its admission and freed the key.
	q, _ := h.queues.Snapshot("default")
	if q.ReservedSlots != 0 {
		t.Errorf("ReservedSlots = %d, want 0 after bind failure", q.ReservedSlots)
	}
	sessions, err := h.sessions.List(ListFilters{WorkspaceID: "ws-a"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 || sessions[0].State != models.SessionFailed {
		t.Errorf("sessions = %+v, want one failed", sessions)
	}

	// The key is reusable now that the session is terminal.
	h.registerEngine(t, "eng-1", 2)
	sess, err := h.sessions.Request(context.Background(), "ws-a", "alice/notebook-1", "", RequestOpts{})
	if err != nil {
		t.Fatalf("Request after failure: %v", err)
	}
	if sess.State != models.SessionActive {
		t.Errorf("State = %q, want active", sess.State)
	}
}

func TestRequest_QueueFullFreesKey(t *testing.T) {
	h := newHarness(t, 1, 10)
	h.registerEngine(t, "eng-1", 4)

	if _, err := h.sessions.Request(context.Background(), "ws-a", "key-1", "", RequestOpts{}); err != nil {
		t.Fatalf("first Request: %v", err)
	}

	_, err := h.sessions.Request(context.Background(), "ws-a", "key-2", "", RequestOpts{})
	if fault.ReasonOf(err) != fault.QueueFull {
		t.Fatalf("err = %v, want QueueFull", err)
	}

	var sess models.Session
	if err := h.db.Where("logical_key = ?", "key-2").First(&sess).Error; err != nil {
		t.Fatalf("load rejected session: %v", err)
	}
	if sess.State != models.SessionFailed {
		t.Errorf("rejected session state = %q, want failed so the key frees up", sess.State)
	}
}

func TestRequest_TransientBindExhaustsAttempts(t *testing.T) {
	h := newHarness(t, 4, 5)
	h.registerEngine(t, "eng-1", 2)
	h.engine.createErr = fault.Wrap(fault.EngineUnreachable, "eng-1", "", fmt.Errorf("dial refused"))

	// Exhausted transient retries surface the transient class, not
	// NoCapacity: an engine existed, it was just unreachable.
	_, err := h.sessions.Request(context.Background(), "ws-a", "key-1", "", RequestOpts{})
	if fault.ReasonOf(err) != fault.EngineUnreachable {
		t.Fatalf("err = %v, want EngineUnreachable after exhausted attempts", err)
	}

	var sess models.Session
	if err := h.db.Where("logical_key = ?", "key-1").First(&sess).Error; err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.State != models.SessionFailed || sess.Reason != string(fault.EngineUnreachable) {
		t.Errorf("session = (%q, %q), want failed with EngineUnreachable", sess.State, sess.Reason)
	}

	eng, _ := h.registry.Get("eng-1")
	if eng.UsedSlots != 0 {
		t.Errorf("UsedSlots = %d, failed binds must give slots back", eng.UsedSlots)
	}
}

func TestTransition_CAS(t *testing.T) {
	h := newHarness(t, 4, 5)
	h.registerEngine(t, "eng-1", 2)

	sess, err := h.sessions.Request(context.Background(), "ws-a", "key-1", "", RequestOpts{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	err = h.sessions.Transition(nil, sess.ID, models.SessionBinding, models.SessionActive, nil)
	if fault.ReasonOf(err) != fault.InvalidState {
		t.Fatalf("err = %v, want InvalidState for a stale from-state", err)
	}

	if err := h.sessions.Transition(nil, sess.ID, models.SessionActive, models.SessionIdle, nil); err != nil {
		t.Fatalf("valid transition: %v", err)
	}
}

func TestTouch_RevivesIdle(t *testing.T) {
	h := newHarness(t, 4, 5)
	h.registerEngine(t, "eng-1", 2)

	sess, err := h.sessions.Request(context.Background(), "ws-a", "key-1", "", RequestOpts{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := h.sessions.Transition(nil, sess.ID, models.SessionActive, models.SessionIdle, nil); err != nil {
		t.Fatalf("to idle: %v", err)
	}

	if err := h.sessions.Touch(sess.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, _ := h.sessions.Get(sess.ID)
	if got.State != models.SessionActive {
		t.Errorf("State = %q, want active after touch", got.State)
	}

	// Touching an already-active session only bumps activity.
	if err := h.sessions.Touch(sess.ID); err != nil {
		t.Fatalf("second Touch: %v", err)
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t, 4, 5)
	h.registerEngine(t, "eng-1", 2)

	sess, err := h.sessions.Request(context.Background(), "ws-a", "key-1", "", RequestOpts{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if err := h.sessions.Close(context.Background(), sess.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, _ := h.sessions.Get(sess.ID)
	if got.State != models.SessionClosed {
		t.Errorf("State = %q, want closed", got.State)
	}
	if got.ClosedAt == nil {
		t.Error("ClosedAt should be stamped")
	}

	if len(h.engine.closed) != 1 {
		t.Errorf("downstream closes = %d, want 1", len(h.engine.closed))
	}
	eng, _ := h.registry.Get("eng-1")
	if eng.UsedSlots != 0 {
		t.Errorf("UsedSlots = %d, want 0 after close", eng.UsedSlots)
	}
	q, _ := h.queues.Snapshot("default")
	if q.ReservedSlots != 0 {
		t.Errorf("ReservedSlots = %d, want 0 after close", q.ReservedSlots)
	}

	// Closing again is InvalidState.
	err = h.sessions.Close(context.Background(), sess.ID)
	if fault.ReasonOf(err) != fault.InvalidState {
		t.Errorf("second Close err = %v, want InvalidState", err)
	}
}

func TestSweepIdle(t *testing.T) {
	h := newHarness(t, 4, 5)
	h.registerEngine(t, "eng-1", 4)

	sess, err := h.sessions.Request(context.Background(), "ws-a", "key-1", "", RequestOpts{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	// Fresh activity: nothing to sweep.
	moved, err := h.sessions.SweepIdle(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("SweepIdle: %v", err)
	}
	if moved != 0 {
		t.Errorf("moved = %d, want 0", moved)
	}

	// Past the idle window: active -> idle.
	old := time.Now().Add(-11 * time.Minute)
	h.db.Model(&models.Session{}).Where("id = ?", sess.ID).Update("last_activity", old)
	moved, err = h.sessions.SweepIdle(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("SweepIdle: %v", err)
	}
	if moved != 1 {
		t.Errorf("moved = %d, want 1", moved)
	}
	got, _ := h.sessions.Get(sess.ID)
	if got.State != models.SessionIdle {
		t.Errorf("State = %q, want idle", got.State)
	}

	// Past the close window: idle -> closed.
	ancient := time.Now().Add(-31 * time.Minute)
	h.db.Model(&models.Session{}).Where("id = ?", sess.ID).Update("last_activity", ancient)
	if _, err := h.sessions.SweepIdle(context.Background(), time.Now()); err != nil {
		t.Fatalf("SweepIdle: %v", err)
	}
	got, _ = h.sessions.Get(sess.ID)
	if got.State != models.SessionClosed {
		t.Errorf("State = %q, want closed", got.State)
	}
}

func TestRecover(t *testing.T) {
	h := newHarness(t, 4, 5)
	h.registerEngine(t, "eng-1", 2)

	sess, err := h.sessions.Request(context.Background(), "ws-a", "key-1", "", RequestOpts{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	// One unit in flight on the doomed engine, one still queued locally.
	inflight := models.JobUnit{ID: "job-aaaa0001", SessionID: sess.ID, Seq: 1,
		State: models.JobRunning, EngineJobID: "7", Payload: "SELECT 1"}
	queued := models.JobUnit{ID: "job-aaaa0002", SessionID: sess.ID, Seq: 2,
		State: models.JobQueued, Payload: "SELECT 2"}
	if err := h.db.Create(&inflight).Error; err != nil {
		t.Fatalf("seed inflight: %v", err)
	}
	if err := h.db.Create(&queued).Error; err != nil {
		t.Fatalf("seed queued: %v", err)
	}

	// The engine dies; a replacement is available.
	if err := h.registry.Deregister("eng-1"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	h.registerEngine(t, "eng-2", 2)

	recovered, err := h.sessions.Recover(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered.State != models.SessionActive {
		t.Errorf("State = %q, want active on the replacement", recovered.State)
	}
	if recovered.EngineID != "eng-2" {
		t.Errorf("EngineID = %q, want eng-2", recovered.EngineID)
	}
	if recovered.ID != sess.ID {
		t.Errorf("recovery must keep the session id, got %q", recovered.ID)
	}
	if !recovered.Uncertain || recovered.Attempts != 1 {
		t.Errorf("Uncertain = %v Attempts = %d, want true and 1", recovered.Uncertain, recovered.Attempts)
	}

	// The in-flight unit is failed-uncertain, never replayed; the queued unit
	// survives untouched.
	var gotInflight, gotQueued models.JobUnit
	h.db.Where("id = ?", inflight.ID).First(&gotInflight)
	h.db.Where("id = ?", queued.ID).First(&gotQueued)
	if gotInflight.State != models.JobFailed || !gotInflight.Uncertain {
		t.Errorf("inflight = (%q, %v), want failed and uncertain", gotInflight.State, gotInflight.Uncertain)
	}
	if gotInflight.Reason != string(fault.RecoveredWithUncertainResult) {
		t.Errorf("inflight reason = %q, want RecoveredWithUncertainResult", gotInflight.Reason)
	}
	if gotQueued.State != models.JobQueued {
		t.Errorf("queued = %q, must stay queued through recovery", gotQueued.State)
	}
}

func TestRecover_Terminal(t *testing.T) {
	h := newHarness(t, 4, 5)
	h.registerEngine(t, "eng-1", 2)

	sess, err := h.sessions.Request(context.Background(), "ws-a", "key-1", "", RequestOpts{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := h.sessions.Close(context.Background(), sess.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = h.sessions.Recover(context.Background(), sess.ID)
	if fault.ReasonOf(err) != fault.InvalidState {
		t.Errorf("err = %v, want InvalidState for a closed session", err)
	}
}

func TestRecover_AttemptsExhausted(t *testing.T) {
	h := newHarness(t, 4, 5)
	h.registerEngine(t, "eng-1", 2)

	sess, err := h.sessions.Request(context.Background(), "ws-a", "key-1", "", RequestOpts{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	h.db.Model(&models.Session{}).Where("id = ?", sess.ID).Update("attempts", 2)

	_, err = h.sessions.Recover(context.Background(), sess.ID)
	if fault.ReasonOf(err) != fault.NoCapacity {
		t.Fatalf("err = %v, want NoCapacity when the retry budget is spent", err)
	}
	got, _ := h.sessions.Get(sess.ID)
	if got.State != models.SessionFailed {
		t.Errorf("State = %q, want terminal failed", got.State)
	}
}

func TestFail_ReleasesResources(t *testing.T) {
	h := newHarness(t, 4, 5)
	h.registerEngine(t, "eng-1", 2)

	sess, err := h.sessions.Request(context.Background(), "ws-a", "key-1", "", RequestOpts{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := h.sessions.Fail(sess.ID, string(fault.EngineUnreachable)); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, _ := h.sessions.Get(sess.ID)
	if got.State != models.SessionFailed || got.Reason != string(fault.EngineUnreachable) {
		t.Errorf("session = (%q, %q)", got.State, got.Reason)
	}
	q, _ := h.queues.Snapshot("default")
	if q.ReservedSlots != 0 {
		t.Errorf("ReservedSlots = %d, want 0", q.ReservedSlots)
	}

	// Failing a terminal session is a no-op.
	if err := h.sessions.Fail(sess.ID, "again"); err != nil {
		t.Errorf("second Fail: %v", err)
	}
}
