package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ms-gatekeeper/internal/config"
	"ms-gatekeeper/internal/logger"
	"ms-gatekeeper/internal/models"
)

// dirtyScanLimit bounds how many dirty records one tick inspects when
// looking for a pushable candidate. Only one record is ever pushed per tick.
const dirtyScanLimit = 25

// maxBackoffInterval caps the per-record retry delay during sustained
// outages.
const maxBackoffInterval = 5 * time.Minute

// Store is the slice of the record store the sync process needs.
type Store interface {
	DirtyTickets(ctx context.Context, limit int, exclude []string) ([]models.Ticket, error)
	ClearDirty(ctx context.Context, referenceNo string, pushed models.UsageSnapshot) (bool, error)
}

// Syncer pushes locally-changed usage state to the booking server, strictly
// one record per tick, oldest last_scan first. A failing record backs off
// exponentially on its own while other dirty records keep flowing, so one
// bad reference can never starve the rest.
type Syncer struct {
	client       *http.Client
	store        Store
	log          *logger.Logger
	url          string
	interval     time.Duration
	timeout      time.Duration
	initialDelay time.Duration
	now          func() time.Time

	// holds is only touched from the Run goroutine (or a test driving
	// RunTick directly); it needs no lock.
	holds map[string]*recordHold
}

type recordHold struct {
	policy  *backoff.ExponentialBackOff
	retryAt time.Time
}

// New builds a syncer from the api and services configuration.
func New(cfg *config.Config, st Store, log *logger.Logger) *Syncer {
	return &Syncer{
		client:       &http.Client{},
		store:        st,
		log:          log,
		url:          cfg.API.SyncURL(),
		interval:     cfg.Services.SyncInterval,
		timeout:      cfg.API.Timeout,
		initialDelay: cfg.API.RetryDelay,
		now:          time.Now,
		holds:        make(map[string]*recordHold),
	}
}

// Run executes sync ticks until the context is cancelled. No error is fatal;
// the service keeps re-attempting across sustained outages.
func (s *Syncer) Run(ctx context.Context) {
	s.log.Info(logger.CategorySync,
		fmt.Sprintf("sync service started: %s every %s", s.url, s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info(logger.CategorySync, "sync service stopped")
			return
		case <-ticker.C:
			s.RunTick(ctx)
		}
	}
}

// RunTick pushes at most one dirty record: the oldest one not currently held
// back by its retry backoff. Held references are excluded from the listing
// itself, so however many records are backing off, a pushable one is always
// found if it exists.
func (s *Syncer) RunTick(ctx context.Context) {
	held := s.heldReferences()
	tickets, err := s.store.DirtyTickets(ctx, dirtyScanLimit, held)
	if err != nil {
		s.log.Error(logger.CategorySync, fmt.Sprintf("failed to list dirty tickets: %v", err))
		return
	}
	s.pruneHolds(tickets)
	if len(tickets) == 0 {
		return
	}
	s.pushTicket(ctx, &tickets[0])
}

// heldReferences lists the records still waiting out their retry backoff.
// An expired hold is not returned: its record reappears in the dirty listing
// and is retried with the hold's next, longer delay.
func (s *Syncer) heldReferences() []string {
	if len(s.holds) == 0 {
		return nil
	}
	now := s.now()
	held := make([]string, 0, len(s.holds))
	for referenceNo, hold := range s.holds {
		if now.Before(hold.retryAt) {
			held = append(held, referenceNo)
		}
	}
	return held
}

func (s *Syncer) pushTicket(ctx context.Context, ticket *models.Ticket) {
	pushed := ticket.Usage()

	if err := s.post(ctx, ticket.BookingRecord()); err != nil {
		if ctx.Err() != nil {
			return
		}
		retryAt := s.armHold(ticket.ReferenceNo)
		s.log.Warn(logger.CategorySync,
			fmt.Sprintf("push of %s failed (%v), next attempt after %s",
				ticket.ReferenceNo, err, retryAt.Format(time.TimeOnly)))
		return
	}
	delete(s.holds, ticket.ReferenceNo)

	cleared, err := s.store.ClearDirty(ctx, ticket.ReferenceNo, pushed)
	if err != nil {
		s.log.Error(logger.CategorySync,
			fmt.Sprintf("failed to clear dirty flag for %s: %v", ticket.ReferenceNo, err))
		return
	}
	if !cleared {
		// Usage changed between the read and the acknowledgment; the newer
		// state goes out on a later tick.
		s.log.Info(logger.CategorySync,
			fmt.Sprintf("usage of %s changed during push, keeping it dirty", ticket.ReferenceNo))
		return
	}

	s.log.Info(logger.CategorySync, fmt.Sprintf("synced %s", ticket.ReferenceNo))
}

func (s *Syncer) post(ctx context.Context, record models.BookingRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode push body: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push returned status %d", resp.StatusCode)
	}
	return nil
}

// armHold schedules the next attempt for a failing record and returns that
// time. The backoff never gives up: the record stays dirty until the server
// finally accepts it.
func (s *Syncer) armHold(referenceNo string) time.Time {
	hold, ok := s.holds[referenceNo]
	if !ok {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = s.initialDelay
		policy.MaxInterval = maxBackoffInterval
		policy.MaxElapsedTime = 0
		policy.Reset()
		hold = &recordHold{policy: policy}
		s.holds[referenceNo] = hold
	}
	hold.retryAt = s.now().Add(hold.policy.NextBackOff())
	return hold.retryAt
}

// pruneHolds drops backoff state for records that are no longer dirty, e.g.
// because retention cleanup removed them. Only expired holds are judged:
// unexpired ones were excluded from the listing, and a truncated listing
// (full page) may simply not include a hold's record yet.
func (s *Syncer) pruneHolds(dirty []models.Ticket) {
	if len(s.holds) == 0 || len(dirty) >= dirtyScanLimit {
		return
	}
	live := make(map[string]bool, len(dirty))
	for i := range dirty {
		live[dirty[i].ReferenceNo] = true
	}
	now := s.now()
	for referenceNo, hold := range s.holds {
		if !now.Before(hold.retryAt) && !live[referenceNo] {
			delete(s.holds, referenceNo)
		}
	}
}
