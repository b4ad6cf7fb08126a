// Package campaign runs outbound campaigns: it walks each campaign's
// contact list in priority order, paces dials, respects calling windows and
// concurrency caps, retries soft failures, and keeps aggregate stats fresh.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/lifecycle"
)

// Caller is the slice of the lifecycle manager the scheduler drives.
type Caller interface {
	StartCall(ctx context.Context, req lifecycle.StartRequest) (string, error)
	SignalTermination(ctx context.Context, callSID, terminatedBy, reason string)
}

// Publisher pushes campaign updates to the realtime hub.
type Publisher interface {
	Publish(topic, eventType string, data any)
}

var (
	ErrNotRunning     = errors.New("campaign is not running")
	ErrAlreadyRunning = errors.New("campaign is already running")
	ErrNoContacts     = errors.New("campaign has no callable contacts")
)

// retryable reports whether a terminal call status earns another attempt.
func retryable(status string) bool {
	switch status {
	case models.CallBusy, models.CallNoAnswer, models.CallFailed:
		return true
	}
	return false
}

// job is one pending dial.
type job struct {
	contact models.Contact
	attempt int
}

// Progress is a point-in-time view of a running or finished campaign.
type Progress struct {
	CampaignID int64                `json:"campaign_id"`
	Status     string               `json:"status"`
	Total      int                  `json:"total"`
	Pending    int                  `json:"pending"`
	Active     int                  `json:"active"`
	Stats      models.CampaignStats `json:"stats"`
}

// Scheduler owns one runner goroutine per active campaign and routes
// finalized-call notifications back to the right runner.
type Scheduler struct {
	store  *database.Store
	caller Caller
	hub    Publisher

	mu      sync.Mutex
	runners map[int64]*runner
	// activeNumbers guards against two campaigns dialing the same phone
	// number at once; value is the owning campaign.
	activeNumbers map[string]int64
}

// NewScheduler creates a scheduler. Register its CallFinalized with the
// lifecycle manager before starting campaigns.
func NewScheduler(store *database.Store, caller Caller, hub Publisher) *Scheduler {
	return &Scheduler{
		store:         store,
		caller:        caller,
		hub:           hub,
		runners:       make(map[int64]*runner),
		activeNumbers: make(map[string]int64),
	}
}

// Start moves a draft or completed-earlier campaign into the active state
// and launches its runner. An empty contact list completes immediately.
func (s *Scheduler) Start(ctx context.Context, campaignID int64) error {
	s.mu.Lock()
	if _, running := s.runners[campaignID]; running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	camp, err := s.store.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	switch camp.Status {
	case models.CampaignCompleted, models.CampaignCancelled:
		return fmt.Errorf("campaign %d is %s", campaignID, camp.Status)
	case models.CampaignActive:
		return ErrAlreadyRunning
	}

	contacts, err := s.callableContacts(ctx, camp)
	if err != nil {
		return err
	}
	if len(contacts) == 0 {
		// Nothing to dial: the campaign is trivially done.
		if err := s.store.Campaigns.UpdateStatus(ctx, campaignID, models.CampaignCompleted); err != nil {
			return err
		}
		s.publishCampaign(ctx, campaignID)
		return nil
	}

	if err := s.store.Campaigns.UpdateStatus(ctx, campaignID, models.CampaignActive); err != nil {
		return err
	}

	r := newRunner(s, camp, contacts)
	s.mu.Lock()
	s.runners[campaignID] = r
	s.mu.Unlock()
	go r.run()

	slog.Info("campaign started", "campaign_id", campaignID, "contacts", len(contacts))
	s.publishCampaign(ctx, campaignID)
	return nil
}

// callableContacts resolves the campaign's contact ids, drops do-not-call
// entries, and orders by priority descending with upload order as the tie
// break.
func (s *Scheduler) callableContacts(ctx context.Context, camp *models.Campaign) ([]models.Contact, error) {
	if len(camp.ContactIDs) == 0 {
		return nil, nil
	}
	rows, err := s.store.Contacts.GetByIDs(ctx, camp.ContactIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]models.Contact, len(rows))
	for _, c := range rows {
		byID[c.ID] = c
	}
	ordered := make([]models.Contact, 0, len(rows))
	for _, id := range camp.ContactIDs {
		c, ok := byID[id]
		if !ok || c.Status == models.ContactDoNotCall {
			continue
		}
		ordered = append(ordered, c)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})
	return ordered, nil
}

// Pause suspends dialing. In-flight calls continue; the pacing delay is
// interrupted immediately rather than letting one more dial slip out.
func (s *Scheduler) Pause(ctx context.Context, campaignID int64) error {
	r := s.runner(campaignID)
	if r == nil {
		return ErrNotRunning
	}
	if !r.pause() {
		return nil // already paused
	}
	if err := s.store.Campaigns.UpdateStatus(ctx, campaignID, models.CampaignPaused); err != nil {
		return err
	}
	slog.Info("campaign paused", "campaign_id", campaignID)
	s.publishCampaign(ctx, campaignID)
	return nil
}

// Resume continues a paused campaign.
func (s *Scheduler) Resume(ctx context.Context, campaignID int64) error {
	r := s.runner(campaignID)
	if r == nil {
		return ErrNotRunning
	}
	if !r.resume() {
		return nil // was not paused
	}
	if err := s.store.Campaigns.UpdateStatus(ctx, campaignID, models.CampaignActive); err != nil {
		return err
	}
	slog.Info("campaign resumed", "campaign_id", campaignID)
	s.publishCampaign(ctx, campaignID)
	return nil
}

// Stop cancels the campaign: pending contacts are dropped and active calls
// are terminated with a system cause.
func (s *Scheduler) Stop(ctx context.Context, campaignID int64) error {
	r := s.runner(campaignID)
	if r == nil {
		return ErrNotRunning
	}
	r.stop(models.CampaignCancelled)
	slog.Info("campaign stopped", "campaign_id", campaignID)
	return nil
}

// Progress reports the live state of a campaign.
func (s *Scheduler) Progress(ctx context.Context, campaignID int64) (*Progress, error) {
	camp, err := s.store.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	p := &Progress{
		CampaignID: campaignID,
		Status:     camp.Status,
		Total:      len(camp.ContactIDs),
		Stats:      camp.Stats,
	}
	if r := s.runner(campaignID); r != nil {
		pending, active := r.counts()
		p.Pending, p.Active = pending, active
	}
	return p, nil
}

// CallFinalized routes a finalized call to its campaign runner. Wire this
// into lifecycle.Manager.OnFinalized.
func (s *Scheduler) CallFinalized(call models.Call) {
	s.mu.Lock()
	delete(s.activeNumbers, call.To)
	var r *runner
	if call.CampaignID != nil {
		r = s.runners[*call.CampaignID]
	}
	s.mu.Unlock()
	if r != nil {
		r.finalized(call)
	}
}

// Shutdown stops every runner without cancelling the campaigns, so a
// restart can resume them. Active calls are handled by the lifecycle
// manager's own drain.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	runners := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()
	for _, r := range runners {
		r.stop("")
	}
}

func (s *Scheduler) runner(campaignID int64) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[campaignID]
}

func (s *Scheduler) removeRunner(campaignID int64) {
	s.mu.Lock()
	delete(s.runners, campaignID)
	s.mu.Unlock()
}

// claimNumber reserves a phone number for a campaign's dial. It fails when
// another call to the same number is still in flight.
func (s *Scheduler) claimNumber(number string, campaignID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.activeNumbers[number]; busy {
		return false
	}
	s.activeNumbers[number] = campaignID
	return true
}

func (s *Scheduler) releaseNumber(number string) {
	s.mu.Lock()
	delete(s.activeNumbers, number)
	s.mu.Unlock()
}

func (s *Scheduler) publishCampaign(ctx context.Context, campaignID int64) {
	if s.hub == nil {
		return
	}
	camp, err := s.store.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return
	}
	s.hub.Publish("campaigns", "campaign_update", camp)
}

// recomputeStats re-aggregates the campaign's counters from its call rows.
func (s *Scheduler) recomputeStats(ctx context.Context, campaignID int64) {
	calls, err := s.store.Calls.ListByCampaign(ctx, campaignID)
	if err != nil {
		slog.Warn("recompute stats", "campaign_id", campaignID, "error", err)
		return
	}
	var stats models.CampaignStats
	var durTotal, durCount int
	for _, c := range calls {
		if !c.Terminal() {
			continue
		}
		stats.Placed++
		switch c.Status {
		case models.CallCompleted:
			stats.Completed++
		case models.CallFailed, models.CallBusy, models.CallNoAnswer, models.CallCanceled:
			stats.Failed++
		}
		if c.AnsweredBy == "human" {
			stats.Answered++
		}
		if c.DurationSec > 0 {
			durTotal += c.DurationSec
			durCount++
		}
	}
	if durCount > 0 {
		stats.AvgDurationSec = float64(durTotal) / float64(durCount)
	}
	if err := s.store.Campaigns.UpdateStats(ctx, campaignID, stats); err != nil && !errors.Is(err, database.ErrNotFound) {
		slog.Warn("update stats", "campaign_id", campaignID, "error", err)
	}
	s.publishCampaign(ctx, campaignID)
}

// runner drives one campaign.
type runner struct {
	sched *Scheduler
	camp  *models.Campaign

	ctx    context.Context
	cancel context.CancelFunc

	limiter *rate.Limiter
	window  callWindow
	slots   chan struct{} // concurrency semaphore

	jobs chan job

	mu          sync.Mutex
	paused      bool
	resumeCh    chan struct{} // closed on resume
	pauseCh     chan struct{} // closed on pause, preempts waits
	outstanding int           // jobs not yet permanently resolved
	inflight    map[string]job
	finalStatus string // campaign status to write when the loop exits
}

func newRunner(s *Scheduler, camp *models.Campaign, contacts []models.Contact) *runner {
	settings := camp.Settings
	concurrent := settings.MaxConcurrentCalls
	if concurrent <= 0 {
		concurrent = 1
	}
	delay := time.Duration(settings.CallDelayMs) * time.Millisecond
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}

	ctx, cancel := context.WithCancel(context.Background())
	capacity := len(contacts) * (settings.RetryCount + 1)
	if capacity < len(contacts) {
		capacity = len(contacts)
	}
	r := &runner{
		sched:       s,
		camp:        camp,
		ctx:         ctx,
		cancel:      cancel,
		limiter:     rate.NewLimiter(limit, 1),
		window:      newCallWindow(settings),
		slots:       make(chan struct{}, concurrent),
		jobs:        make(chan job, capacity+8),
		resumeCh:    make(chan struct{}),
		pauseCh:     make(chan struct{}),
		inflight:    make(map[string]job),
		outstanding: len(contacts),
		finalStatus: models.CampaignCompleted,
	}
	close(r.resumeCh) // starts unpaused
	for _, c := range contacts {
		r.jobs <- job{contact: c, attempt: 1}
	}
	return r
}

func (r *runner) counts() (pending, active int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs), len(r.inflight)
}

// pause reports whether the state changed.
func (r *runner) pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return false
	}
	r.paused = true
	close(r.pauseCh)
	r.resumeCh = make(chan struct{})
	return true
}

func (r *runner) resume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return false
	}
	r.paused = false
	close(r.resumeCh)
	r.pauseCh = make(chan struct{})
	return true
}

func (r *runner) stop(finalStatus string) {
	r.mu.Lock()
	if finalStatus != "" {
		r.finalStatus = finalStatus
	} else {
		r.finalStatus = "" // shutdown: leave campaign status untouched
	}
	r.mu.Unlock()
	r.cancel()
}

// waitResumed blocks while paused. Returns false when the runner stopped.
func (r *runner) waitResumed() bool {
	for {
		r.mu.Lock()
		ch := r.resumeCh
		r.mu.Unlock()
		select {
		case <-r.ctx.Done():
			return false
		case <-ch:
			return true
		}
	}
}

// sleep waits for d but wakes immediately on pause or stop. It reports
// false when the runner stopped.
func (r *runner) sleep(d time.Duration) bool {
	r.mu.Lock()
	pauseCh := r.pauseCh
	r.mu.Unlock()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-pauseCh:
		return r.waitResumed()
	case <-t.C:
		return true
	}
}

func (r *runner) run() {
	defer r.finish()
	for {
		r.mu.Lock()
		remaining := r.outstanding
		r.mu.Unlock()
		if remaining == 0 {
			return
		}

		var j job
		select {
		case <-r.ctx.Done():
			return
		case j = <-r.jobs:
		}

		if !r.gateDial() {
			return
		}

		// Concurrency slot; released when the call finalizes.
		select {
		case <-r.ctx.Done():
			return
		case r.slots <- struct{}{}:
		}

		if !r.dial(j) {
			<-r.slots
		}
	}
}

// gateDial enforces pause, the calling window, and the pacing rate. It
// reports false when the runner stopped.
func (r *runner) gateDial() bool {
	for {
		if !r.waitResumed() {
			return false
		}
		if wait := r.window.untilOpen(time.Now()); wait > 0 {
			slog.Info("outside calling window, waiting", "campaign_id", r.camp.ID, "wait", wait)
			if !r.sleep(wait) {
				return false
			}
			continue
		}
		res := r.limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			if !r.sleep(delay) {
				res.Cancel()
				return false
			}
			// A pause may have consumed the wait; re-check the gates.
			r.mu.Lock()
			paused := r.paused
			r.mu.Unlock()
			if paused {
				continue
			}
		}
		return true
	}
}

// dial places one call. Returns false when no call went out and the slot
// should be released.
func (r *runner) dial(j job) bool {
	if !r.sched.claimNumber(j.contact.PhoneNumber, r.camp.ID) {
		// Another call to this number is in flight; retry it shortly.
		go func() {
			if r.sleep(500 * time.Millisecond) {
				select {
				case r.jobs <- j:
				case <-r.ctx.Done():
				}
			}
		}()
		return false
	}

	callSID, err := r.sched.caller.StartCall(r.ctx, lifecycle.StartRequest{
		CampaignID:    r.camp.ID,
		ContactID:     j.contact.ID,
		To:            j.contact.PhoneNumber,
		From:          r.camp.CallerID,
		Region:        r.camp.Region,
		Prompt:        r.camp.Prompt,
		FirstMessage:  r.camp.FirstMessage,
		ContactName:   j.contact.Name,
		Recording:     true,
		AttemptNumber: j.attempt,
	})
	if err != nil {
		r.sched.releaseNumber(j.contact.PhoneNumber)
		// The manager records a failed attempt row for carrier-rejected
		// dials and reports it through finalized(), which resolves or
		// retries this job. Nothing more to do here.
		slog.Warn("dial error", "campaign_id", r.camp.ID, "contact_id", j.contact.ID, "error", err)
		return false
	}

	r.mu.Lock()
	r.inflight[callSID] = j
	r.mu.Unlock()
	return true
}

// finalized handles one finished call belonging to this campaign.
func (r *runner) finalized(call models.Call) {
	r.mu.Lock()
	j, ok := r.inflight[call.CallSID]
	if ok {
		delete(r.inflight, call.CallSID)
	}
	r.mu.Unlock()
	if ok {
		select {
		case <-r.slots:
		default:
		}
	} else {
		// Synthetic row for a dial that failed at the REST layer.
		if call.ContactID == nil {
			return
		}
		ctc, err := r.sched.store.Contacts.GetByID(context.Background(), *call.ContactID)
		if err != nil {
			return
		}
		j = job{contact: *ctc, attempt: call.AttemptNumber}
	}

	r.sched.recomputeStats(context.Background(), r.camp.ID)
	r.resolveOrRetry(j, call.Status)
}

// resolveOrRetry either requeues the contact for another attempt or counts
// the job as permanently resolved.
func (r *runner) resolveOrRetry(j job, status string) {
	settings := r.camp.Settings
	if retryable(status) && j.attempt <= settings.RetryCount {
		delay := time.Duration(settings.RetryDelayMs) * time.Millisecond
		next := job{contact: j.contact, attempt: j.attempt + 1}
		slog.Info("scheduling retry", "campaign_id", r.camp.ID, "contact_id", j.contact.ID, "attempt", next.attempt, "delay", delay)
		go func() {
			if delay > 0 && !r.sleep(delay) {
				r.resolve()
				return
			}
			select {
			case r.jobs <- next:
			case <-r.ctx.Done():
				r.resolve()
			}
		}()
		return
	}
	r.resolve()
}

func (r *runner) resolve() {
	r.mu.Lock()
	r.outstanding--
	done := r.outstanding == 0
	r.mu.Unlock()
	if done {
		r.cancel()
	}
}

// finish tears the runner down: terminates in-flight calls when the
// campaign was stopped, writes the final status, refreshes stats.
func (r *runner) finish() {
	ctx := context.Background()
	r.mu.Lock()
	final := r.finalStatus
	inflight := make([]string, 0, len(r.inflight))
	for sid := range r.inflight {
		inflight = append(inflight, sid)
	}
	r.mu.Unlock()

	if final == models.CampaignCancelled {
		for _, sid := range inflight {
			r.sched.caller.SignalTermination(ctx, sid, models.TerminatedBySystem, "campaign_stopped")
		}
	}

	r.sched.removeRunner(r.camp.ID)
	if final != "" {
		if err := r.sched.store.Campaigns.UpdateStatus(ctx, r.camp.ID, final); err != nil && !errors.Is(err, database.ErrNotFound) {
			slog.Warn("final campaign status", "campaign_id", r.camp.ID, "status", final, "error", err)
		}
	}
	r.sched.recomputeStats(ctx, r.camp.ID)
	slog.Info("campaign runner exited", "campaign_id", r.camp.ID, "final_status", final)
}
