package campaign

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/lifecycle"
)

// fakeCaller captures dial requests; tests finalize them through the pump.
type fakeCaller struct {
	mu         sync.Mutex
	seq        int
	started    []lifecycle.StartRequest
	pending    map[string]lifecycle.StartRequest
	terminated []string
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{pending: make(map[string]lifecycle.StartRequest)}
}

func (f *fakeCaller) StartCall(ctx context.Context, req lifecycle.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	sid := fmt.Sprintf("CA%05d", f.seq)
	f.started = append(f.started, req)
	f.pending[sid] = req
	return sid, nil
}

func (f *fakeCaller) SignalTermination(ctx context.Context, callSID, terminatedBy, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, callSID)
}

func (f *fakeCaller) startedReqs() []lifecycle.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lifecycle.StartRequest(nil), f.started...)
}

func (f *fakeCaller) activeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// takePending pops up to n in-flight calls for finalization.
func (f *fakeCaller) takePending(n int) map[string]lifecycle.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]lifecycle.StartRequest)
	for sid, req := range f.pending {
		if len(out) == n {
			break
		}
		out[sid] = req
		delete(f.pending, sid)
	}
	return out
}

// pump finalizes in-flight calls with the status chosen by pick, until the
// returned stop func runs. Each attempt is persisted and finalized through
// the store the same way the call manager does, so stat recomputation sees
// real rows.
func pump(s *Scheduler, fc *fakeCaller, store *database.Store, pick func(req lifecycle.StartRequest) string) (stop func()) {
	done := make(chan struct{})
	go func() {
		ctx := context.Background()
		for {
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
			}
			for sid, req := range fc.takePending(10) {
				status := pick(req)
				call := &models.Call{
					CallSID:       sid,
					From:          req.From,
					To:            req.To,
					Status:        models.CallInitiated,
					AttemptNumber: req.AttemptNumber,
				}
				if req.CampaignID != 0 {
					id := req.CampaignID
					call.CampaignID = &id
				}
				if req.ContactID != 0 {
					id := req.ContactID
					call.ContactID = &id
				}
				if err := store.Calls.Upsert(ctx, call); err != nil {
					continue
				}
				now := time.Now()
				var duration int
				if status == models.CallCompleted {
					duration = 30
					store.Calls.SetAnsweredBy(ctx, sid, "human", now)
				}
				store.Calls.Finalize(ctx, sid, status, now, duration, duration)
				row, err := store.Calls.GetByCallSID(ctx, sid)
				if err != nil {
					continue
				}
				s.CallFinalized(*row)
			}
		}
	}()
	return func() { close(done) }
}

func always(status string) func(lifecycle.StartRequest) string {
	return func(lifecycle.StartRequest) string { return status }
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeCaller, *database.Store) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := database.NewStore(db)
	fc := newFakeCaller()
	return NewScheduler(store, fc, nil), fc, store
}

func seedContacts(t *testing.T, store *database.Store, numbers ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(numbers))
	for i, n := range numbers {
		c := &models.Contact{PhoneNumber: n, Name: fmt.Sprintf("contact %d", i), Status: models.ContactActive}
		if err := store.Contacts.Create(context.Background(), c); err != nil {
			t.Fatalf("create contact: %v", err)
		}
		ids = append(ids, c.ID)
	}
	return ids
}

func seedCampaign(t *testing.T, store *database.Store, contactIDs []int64, settings models.CampaignSettings) int64 {
	t.Helper()
	if settings.MaxConcurrentCalls == 0 {
		settings.MaxConcurrentCalls = 5
	}
	camp := &models.Campaign{
		Name:         "test campaign",
		Prompt:       "ask about renewal",
		FirstMessage: "hello",
		CallerID:     "+15559990000",
		ContactIDs:   contactIDs,
		Settings:     settings,
	}
	if err := store.Campaigns.Create(context.Background(), camp); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return camp.ID
}

func waitStatus(t *testing.T, store *database.Store, id int64, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		camp, err := store.Campaigns.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("get campaign: %v", err)
		}
		if camp.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	camp, _ := store.Campaigns.GetByID(context.Background(), id)
	t.Fatalf("campaign status = %q, want %q", camp.Status, want)
}

func TestEmptyCampaignCompletesImmediately(t *testing.T) {
	s, fc, store := newTestScheduler(t)
	id := seedCampaign(t, store, nil, models.CampaignSettings{})

	if err := s.Start(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, store, id, models.CampaignCompleted)
	if len(fc.startedReqs()) != 0 {
		t.Fatal("no calls should be placed for an empty campaign")
	}
}

func TestCampaignDialsEveryContact(t *testing.T) {
	s, fc, store := newTestScheduler(t)
	ids := seedContacts(t, store, "+15550000001", "+15550000002", "+15550000003")
	id := seedCampaign(t, store, ids, models.CampaignSettings{CallDelayMs: 1})

	stop := pump(s, fc, store, always(models.CallCompleted))
	defer stop()

	if err := s.Start(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, store, id, models.CampaignCompleted)

	reqs := fc.startedReqs()
	if len(reqs) != 3 {
		t.Fatalf("placed %d calls, want 3", len(reqs))
	}
	for _, req := range reqs {
		if req.Prompt != "ask about renewal" || req.From != "+15559990000" {
			t.Fatalf("request carried wrong campaign data: %+v", req)
		}
	}

	camp, _ := store.Campaigns.GetByID(context.Background(), id)
	if camp.Stats.Placed != 3 || camp.Stats.Completed != 3 || camp.Stats.Answered != 3 {
		t.Fatalf("stats = %+v", camp.Stats)
	}
}

func TestPriorityOrdersDialing(t *testing.T) {
	s, fc, store := newTestScheduler(t)
	ids := seedContacts(t, store, "+15550000001", "+15550000002", "+15550000003")
	// Middle contact outranks the others.
	ctc, _ := store.Contacts.GetByID(context.Background(), ids[1])
	ctc.Priority = 10
	if err := store.Contacts.Update(context.Background(), ctc); err != nil {
		t.Fatalf("update contact: %v", err)
	}
	id := seedCampaign(t, store, ids, models.CampaignSettings{MaxConcurrentCalls: 1, CallDelayMs: 1})

	stop := pump(s, fc, store, always(models.CallCompleted))
	defer stop()

	if err := s.Start(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, store, id, models.CampaignCompleted)

	reqs := fc.startedReqs()
	if len(reqs) != 3 {
		t.Fatalf("placed %d calls, want 3", len(reqs))
	}
	if reqs[0].To != "+15550000002" {
		t.Fatalf("first dial = %s, want the high-priority contact", reqs[0].To)
	}
	if reqs[1].To != "+15550000001" || reqs[2].To != "+15550000003" {
		t.Fatalf("upload order not preserved among equals: %s then %s", reqs[1].To, reqs[2].To)
	}
}

func TestDoNotCallContactsSkipped(t *testing.T) {
	s, fc, store := newTestScheduler(t)
	ids := seedContacts(t, store, "+15550000001", "+15550000002")
	if err := store.Contacts.SetStatus(context.Background(), ids[0], models.ContactDoNotCall); err != nil {
		t.Fatalf("set status: %v", err)
	}
	id := seedCampaign(t, store, ids, models.CampaignSettings{CallDelayMs: 1})

	stop := pump(s, fc, store, always(models.CallCompleted))
	defer stop()

	if err := s.Start(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, store, id, models.CampaignCompleted)

	reqs := fc.startedReqs()
	if len(reqs) != 1 || reqs[0].To != "+15550000002" {
		t.Fatalf("dialed %+v, want only the callable contact", reqs)
	}
}

func TestBusyCallsRetryUpToLimit(t *testing.T) {
	s, fc, store := newTestScheduler(t)
	ids := seedContacts(t, store, "+15550000001")
	id := seedCampaign(t, store, ids, models.CampaignSettings{
		CallDelayMs: 1, RetryCount: 2, RetryDelayMs: 1,
	})

	stop := pump(s, fc, store, always(models.CallBusy))
	defer stop()

	if err := s.Start(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, store, id, models.CampaignCompleted)

	reqs := fc.startedReqs()
	if len(reqs) != 3 {
		t.Fatalf("placed %d calls, want 3 (1 + 2 retries)", len(reqs))
	}
	for i, req := range reqs {
		if req.AttemptNumber != i+1 {
			t.Fatalf("attempt %d numbered %d", i, req.AttemptNumber)
		}
	}
}

func TestCompletedCallsAreNotRetried(t *testing.T) {
	s, fc, store := newTestScheduler(t)
	ids := seedContacts(t, store, "+15550000001")
	id := seedCampaign(t, store, ids, models.CampaignSettings{
		CallDelayMs: 1, RetryCount: 3, RetryDelayMs: 1,
	})

	stop := pump(s, fc, store, always(models.CallCompleted))
	defer stop()

	if err := s.Start(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, store, id, models.CampaignCompleted)
	if got := len(fc.startedReqs()); got != 1 {
		t.Fatalf("placed %d calls, want 1", got)
	}
}

func TestMaxConcurrentCallsRespected(t *testing.T) {
	s, fc, store := newTestScheduler(t)
	numbers := make([]string, 8)
	for i := range numbers {
		numbers[i] = fmt.Sprintf("+1555000%04d", i)
	}
	ids := seedContacts(t, store, numbers...)
	id := seedCampaign(t, store, ids, models.CampaignSettings{MaxConcurrentCalls: 2})

	var maxSeen int
	var mu sync.Mutex
	monitorDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-monitorDone:
				return
			case <-time.After(time.Millisecond):
			}
			mu.Lock()
			if n := fc.activeCount(); n > maxSeen {
				maxSeen = n
			}
			mu.Unlock()
		}
	}()
	defer close(monitorDone)

	pstop := pump(s, fc, store, always(models.CallCompleted))
	defer pstop()

	if err := s.Start(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, store, id, models.CampaignCompleted)

	mu.Lock()
	defer mu.Unlock()
	if maxSeen > 2 {
		t.Fatalf("observed %d concurrent calls, cap is 2", maxSeen)
	}
}

func TestPauseHaltsDialingAndResumeContinues(t *testing.T) {
	s, fc, store := newTestScheduler(t)
	ids := seedContacts(t, store, "+15550000001", "+15550000002", "+15550000003")
	id := seedCampaign(t, store, ids, models.CampaignSettings{MaxConcurrentCalls: 1, CallDelayMs: 30})

	stop := pump(s, fc, store, always(models.CallCompleted))
	defer stop()

	ctx := context.Background()
	if err := s.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Let the first dial go out, then pause mid-delay.
	deadline := time.Now().Add(2 * time.Second)
	for len(fc.startedReqs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := s.Pause(ctx, id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitStatus(t, store, id, models.CampaignPaused)

	before := len(fc.startedReqs())
	time.Sleep(150 * time.Millisecond)
	if after := len(fc.startedReqs()); after > before+1 {
		t.Fatalf("dials kept going while paused: %d -> %d", before, after)
	}

	if err := s.Resume(ctx, id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitStatus(t, store, id, models.CampaignCompleted)
	if got := len(fc.startedReqs()); got != 3 {
		t.Fatalf("placed %d calls after resume, want 3", got)
	}
}

func TestStopCancelsCampaignAndActiveCalls(t *testing.T) {
	s, fc, store := newTestScheduler(t)
	ids := seedContacts(t, store, "+15550000001", "+15550000002", "+15550000003")
	id := seedCampaign(t, store, ids, models.CampaignSettings{MaxConcurrentCalls: 3})

	// No pump: calls stay in flight.
	ctx := context.Background()
	if err := s.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for fc.activeCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	if err := s.Stop(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitStatus(t, store, id, models.CampaignCancelled)

	fc.mu.Lock()
	terms := len(fc.terminated)
	fc.mu.Unlock()
	if terms != 3 {
		t.Fatalf("terminated %d active calls, want 3", terms)
	}

	if err := s.Stop(ctx, id); err != ErrNotRunning {
		t.Fatalf("second stop err = %v, want ErrNotRunning", err)
	}
}

func TestSameNumberNotDialedTwiceConcurrently(t *testing.T) {
	s, fc, store := newTestScheduler(t)
	ids := seedContacts(t, store, "+15550000001")
	a := seedCampaign(t, store, ids, models.CampaignSettings{})
	b := seedCampaign(t, store, ids, models.CampaignSettings{})

	ctx := context.Background()
	if err := s.Start(ctx, a); err != nil {
		t.Fatalf("start a: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for fc.activeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	if err := s.Start(ctx, b); err != nil {
		t.Fatalf("start b: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := len(fc.startedReqs()); got != 1 {
		t.Fatalf("placed %d calls while the number was busy, want 1", got)
	}

	// Finalize the first call; campaign B's deferred job should now dial.
	stop := pump(s, fc, store, always(models.CallCompleted))
	defer stop()
	waitStatus(t, store, a, models.CampaignCompleted)
	waitStatus(t, store, b, models.CampaignCompleted)
	if got := len(fc.startedReqs()); got != 2 {
		t.Fatalf("placed %d calls total, want 2", got)
	}
}

func TestStartGuards(t *testing.T) {
	s, _, store := newTestScheduler(t)
	ids := seedContacts(t, store, "+15550000001")
	id := seedCampaign(t, store, ids, models.CampaignSettings{})

	ctx := context.Background()
	if err := s.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx, id); err != ErrAlreadyRunning {
		t.Fatalf("second start err = %v, want ErrAlreadyRunning", err)
	}
	if err := s.Start(ctx, 9999); err == nil {
		t.Fatal("starting an unknown campaign should fail")
	}
	s.Shutdown()
}

func TestCallWindow(t *testing.T) {
	w := newCallWindow(models.CampaignSettings{WindowStart: "09:00", WindowEnd: "17:00"})
	at := func(h, m int) time.Time {
		return time.Date(2026, 8, 26, h, m, 0, 0, time.UTC)
	}
	if !w.open(at(12, 0)) {
		t.Error("noon should be inside 09:00-17:00")
	}
	if w.open(at(8, 59)) || w.open(at(17, 0)) {
		t.Error("edges outside the window should be closed")
	}
	if got := w.untilOpen(at(8, 0)); got != time.Hour {
		t.Errorf("untilOpen(08:00) = %v, want 1h", got)
	}
	if got := w.untilOpen(at(18, 0)); got != 15*time.Hour {
		t.Errorf("untilOpen(18:00) = %v, want 15h", got)
	}

	overnight := newCallWindow(models.CampaignSettings{WindowStart: "21:00", WindowEnd: "06:00"})
	if !overnight.open(at(23, 0)) || !overnight.open(at(3, 0)) {
		t.Error("overnight window should span midnight")
	}
	if overnight.open(at(12, 0)) {
		t.Error("noon should be outside an overnight window")
	}

	if newCallWindow(models.CampaignSettings{}).enabled {
		t.Error("no settings should mean no window")
	}
	if newCallWindow(models.CampaignSettings{WindowStart: "bogus", WindowEnd: "17:00"}).enabled {
		t.Error("malformed settings should disable the window")
	}
}
