package fetch

import (
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

// Store is the slice of the record store the fetch process writes through.
type Store interface {
	ApplyBooking(ctx context.Context, record models.BookingRecord) (bool, error)
}

// Fetcher periodically pulls the current quota snapshot from the booking
// server and merge-upserts it into the local store. It never blocks the
// validator and holds no store state across a network call.
type Fetcher struct {
	client     *http.Client
	store      Store
	log        *logger.Logger
	url        string
	interval   time.Duration
	timeout    time.Duration
	attempts   int
	retryDelay time.Duration
}

// New builds a fetcher from the api and services configuration.
func New(cfg *config.Config, st Store, log *logger.Logger) *Fetcher {
	return &Fetcher{
		client:     &http.Client{},
		store:      st,
		log:        log,
		url:        cfg.API.FetchURL(),
		interval:   cfg.Services.FetchInterval,
		timeout:    cfg.API.Timeout,
		attempts:   cfg.API.RetryAttempts,
		retryDelay: cfg.API.RetryDelay,
	}
}

// Run executes fetch cycles until the context is cancelled: one immediately,
// then one per interval. No error is fatal; a failed cycle is retried from
// scratch on the next tick.
func (f *Fetcher) Run(ctx context.Context) {
	f.log.Info(logger.CategoryFetch,
		fmt.Sprintf("fetch service started: %s every %s", f.url, f.interval))

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		f.RunCycle(ctx)
		select {
		case <-ctx.Done():
			f.log.Info(logger.CategoryFetch, "fetch service stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunCycle performs one pull-and-merge pass. A transport or whole-body parse
// failure abandons the cycle without mutating any record; a response where
// only some elements parse applies just the parseable ones.
func (f *Fetcher) RunCycle(ctx context.Context) {
	raws, err := f.fetchBookings(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		f.log.Error(logger.CategoryFetch, fmt.Sprintf("fetch cycle abandoned: %v", err))
		return
	}

	var created, updated, skipped int
	for _, raw := range raws {
		var record models.BookingRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			skipped++
			f.log.Warn(logger.CategoryFetch, fmt.Sprintf("skipping unparseable booking record: %v", err))
			continue
		}
		if record.ReferenceNo == "" {
			skipped++
			f.log.Warn(logger.CategoryFetch, "skipping booking record without referenceNo")
			continue
		}

		wasCreated, err := f.store.ApplyBooking(ctx, record)
		if err != nil {
			f.log.Error(logger.CategoryFetch,
				fmt.Sprintf("failed to apply booking %s: %v", record.ReferenceNo, err))
			continue
		}
		if wasCreated {
			created++
		} else {
			updated++
		}
	}

	f.log.Info(logger.CategoryFetch,
		fmt.Sprintf("fetch cycle done: %d created, %d updated, %d skipped", created, updated, skipped))
}

// fetchBookings GETs the quota snapshot, retrying transient transport
// failures with a constant delay up to the configured attempt budget. A
// malformed body is permanent for this cycle: the next scheduled tick starts
// over anyway.
func (f *Fetcher) fetchBookings(ctx context.Context) ([]json.RawMessage, error) {
	var records []json.RawMessage

	operation := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build fetch request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("fetch returned status %d", resp.StatusCode)
		}

		records = records[:0]
		if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
			return backoff.Permanent(fmt.Errorf("decode fetch response: %w", err))
		}
		return nil
	}

	retries := uint64(0)
	if f.attempts > 1 {
		retries = uint64(f.attempts - 1)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.retryDelay), retries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	f.log.Debug(logger.CategoryFetch, fmt.Sprintf("fetched %d booking records", len(records)))
	return records, nil
}
