package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-gatekeeper/internal/models"
	"ms-gatekeeper/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	// A file-backed database exercises Open, the pragmas and the embedded
	// migrations; in-memory SQLite would give every pooled connection its
	// own database.
	st, err := store.Open(filepath.Join(t.TempDir(), "gate.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRecord(referenceNo string, aPax, bPax, cPax int) models.BookingRecord {
	attractions := map[string]models.AttractionUsage{}
	if aPax > 0 {
		attractions[models.TagA] = models.AttractionUsage{Pax: aPax}
	}
	if bPax > 0 {
		attractions[models.TagB] = models.AttractionUsage{Pax: bPax}
	}
	if cPax > 0 {
		attractions[models.TagC] = models.AttractionUsage{Pax: cPax}
	}
	return models.BookingRecord{
		BookingDate: "2025-10-09",
		ReferenceNo: referenceNo,
		Attractions: attractions,
	}
}

func TestApplyBookingCreatesCleanTicket(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	created, err := st.ApplyBooking(ctx, sampleRecord("20251009-000001", 2, 0, 0))
	require.NoError(t, err)
	assert.True(t, created)

	ticket, err := st.GetTicket(ctx, "20251009-000001")
	require.NoError(t, err)
	assert.Equal(t, 2, ticket.APax)
	assert.Equal(t, 0, ticket.AUsed)
	assert.Equal(t, 0, ticket.BPax)
	assert.False(t, ticket.Dirty)
	assert.Equal(t, "2025-10-09", ticket.BookingDate)
}

func TestApplyBookingUpdatePreservesLocalUsage(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.ApplyBooking(ctx, sampleRecord("20251009-000001", 2, 0, 0))
	require.NoError(t, err)

	// One admission: used=1, dirty set.
	admitted, err := st.AdmitOne(ctx, "20251009-000001", models.TagA, time.Now())
	require.NoError(t, err)
	require.True(t, admitted)

	// The server raises the quota from 2 to 3. Local usage and the dirty
	// flag must survive the merge untouched.
	created, err := st.ApplyBooking(ctx, sampleRecord("20251009-000001", 3, 0, 0))
	require.NoError(t, err)
	assert.False(t, created)

	ticket, err := st.GetTicket(ctx, "20251009-000001")
	require.NoError(t, err)
	assert.Equal(t, 3, ticket.APax)
	assert.Equal(t, 1, ticket.AUsed)
	assert.True(t, ticket.Dirty)
}

func TestApplyBookingIsIdempotent(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	record := sampleRecord("20251009-000002", 4, 2, 0)
	created, err := st.ApplyBooking(ctx, record)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = st.ApplyBooking(ctx, record)
	require.NoError(t, err)
	assert.False(t, created)

	ticket, err := st.GetTicket(ctx, "20251009-000002")
	require.NoError(t, err)
	assert.Equal(t, 4, ticket.APax)
	assert.Equal(t, 2, ticket.BPax)
	assert.Equal(t, 0, ticket.AUsed)
	assert.False(t, ticket.Dirty)
}

func TestApplyBookingRejectsMissingReference(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.ApplyBooking(context.Background(), models.BookingRecord{BookingDate: "2025-10-09"})
	assert.Error(t, err)
}

func TestGetTicketNotFound(t *testing.T) {
	st := setupTestStore(t)

	ticket, err := st.GetTicket(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
	assert.Nil(t, ticket)
}

func TestAdmitOneIncrementsUntilExhausted(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.ApplyBooking(ctx, sampleRecord("20251009-000003", 2, 0, 0))
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 2; i++ {
		admitted, err := st.AdmitOne(ctx, "20251009-000003", models.TagA, now)
		require.NoError(t, err)
		assert.True(t, admitted)
	}

	// Quota exhausted: the conditional update must refuse, never clamp.
	admitted, err := st.AdmitOne(ctx, "20251009-000003", models.TagA, now)
	require.NoError(t, err)
	assert.False(t, admitted)

	ticket, err := st.GetTicket(ctx, "20251009-000003")
	require.NoError(t, err)
	assert.Equal(t, 2, ticket.AUsed)
	assert.True(t, ticket.Dirty)
	assert.False(t, ticket.LastScan.IsZero())
}

func TestAdmitOneUnknownTag(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.AdmitOne(context.Background(), "whatever", "X", time.Now())
	assert.Error(t, err)
}

func TestAdmitOneConcurrentLastSeat(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.ApplyBooking(ctx, sampleRecord("20251009-000004", 1, 0, 0))
	require.NoError(t, err)

	// Ten goroutines race for the single remaining seat; exactly one wins.
	const racers = 10
	var wg sync.WaitGroup
	results := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted, err := st.AdmitOne(ctx, "20251009-000004", models.TagA, time.Now())
			assert.NoError(t, err)
			results <- admitted
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for admitted := range results {
		if admitted {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	ticket, err := st.GetTicket(ctx, "20251009-000004")
	require.NoError(t, err)
	assert.Equal(t, 1, ticket.AUsed)
}

func TestClearDirtyOnlyWhenSnapshotStillHolds(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.ApplyBooking(ctx, sampleRecord("20251009-000005", 3, 0, 0))
	require.NoError(t, err)
	_, err = st.AdmitOne(ctx, "20251009-000005", models.TagA, time.Now())
	require.NoError(t, err)

	ticket, err := st.GetTicket(ctx, "20251009-000005")
	require.NoError(t, err)
	pushed := ticket.Usage()

	// A scan lands between the push and the acknowledgment.
	_, err = st.AdmitOne(ctx, "20251009-000005", models.TagA, time.Now())
	require.NoError(t, err)

	cleared, err := st.ClearDirty(ctx, "20251009-000005", pushed)
	require.NoError(t, err)
	assert.False(t, cleared, "stale snapshot must not clear the dirty flag")

	ticket, err = st.GetTicket(ctx, "20251009-000005")
	require.NoError(t, err)
	assert.True(t, ticket.Dirty)

	// Pushing the current state succeeds.
	cleared, err = st.ClearDirty(ctx, "20251009-000005", ticket.Usage())
	require.NoError(t, err)
	assert.True(t, cleared)

	ticket, err = st.GetTicket(ctx, "20251009-000005")
	require.NoError(t, err)
	assert.False(t, ticket.Dirty)

	// Already clean: a second clear is a no-op.
	cleared, err = st.ClearDirty(ctx, "20251009-000005", ticket.Usage())
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestDirtyTicketsOrderedByLastScan(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 10, 9, 10, 0, 0, 0, time.UTC)
	for i, ref := range []string{"20251009-000011", "20251009-000012", "20251009-000013"} {
		_, err := st.ApplyBooking(ctx, sampleRecord(ref, 2, 0, 0))
		require.NoError(t, err)
		// Newest reference scanned first, so the listing must reverse it.
		_, err = st.AdmitOne(ctx, ref, models.TagA, base.Add(-time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	dirty, err := st.DirtyTickets(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, dirty, 3)
	assert.Equal(t, "20251009-000013", dirty[0].ReferenceNo)
	assert.Equal(t, "20251009-000012", dirty[1].ReferenceNo)
	assert.Equal(t, "20251009-000011", dirty[2].ReferenceNo)

	limited, err := st.DirtyTickets(ctx, 2, nil)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	// Excluded references are filtered before the limit applies, so they
	// cannot crowd others out of a small page.
	rest, err := st.DirtyTickets(ctx, 2, []string{"20251009-000013", "20251009-000012"})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "20251009-000011", rest[0].ReferenceNo)
}

func TestScanEventLog(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	err := st.AppendScanEvent(ctx, models.ScanEvent{
		ReferenceNo: "20251009-000001",
		GateTag:     models.TagA,
		Result:      models.ScanSuccess,
		Reason:      "valid entry",
	})
	require.NoError(t, err)

	err = st.AppendScanEvent(ctx, models.ScanEvent{
		ReferenceNo: "20251009-000002",
		GateTag:     models.TagA,
		ScannedAt:   time.Now().Add(time.Second),
		Result:      models.ScanFailed,
		Reason:      "entries exhausted",
	})
	require.NoError(t, err)

	events, err := st.RecentScans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "20251009-000002", events[0].ReferenceNo)
	assert.Equal(t, "20251009-000001", events[1].ReferenceNo)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[1].ScannedAt.IsZero())
}

func TestStats(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.ApplyBooking(ctx, sampleRecord("20251009-000021", 3, 0, 0))
	require.NoError(t, err)
	_, err = st.ApplyBooking(ctx, sampleRecord("20251009-000022", 2, 0, 0))
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = st.AdmitOne(ctx, "20251009-000021", models.TagA, now)
	require.NoError(t, err)
	_, err = st.AdmitOne(ctx, "20251009-000021", models.TagA, now)
	require.NoError(t, err)

	require.NoError(t, st.AppendScanEvent(ctx, models.ScanEvent{
		ReferenceNo: "20251009-000021",
		GateTag:     models.TagA,
		Result:      models.ScanSuccess,
		Reason:      "valid entry",
	}))

	stats, err := st.Stats(ctx, models.TagA)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTickets)
	assert.Equal(t, 1, stats.TodayScans)
	assert.Equal(t, 2, stats.TodayEntries)
	assert.Equal(t, 1, stats.DirtyCount)
}

func TestPruneBefore(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	old := sampleRecord("20251001-000001", 2, 0, 0)
	old.BookingDate = "2025-10-01"
	_, err := st.ApplyBooking(ctx, old)
	require.NoError(t, err)

	fresh := sampleRecord("20251009-000001", 2, 0, 0)
	_, err = st.ApplyBooking(ctx, fresh)
	require.NoError(t, err)

	// A record without a booking date must never be reaped.
	undated := sampleRecord("20259999-000001", 2, 0, 0)
	undated.BookingDate = ""
	_, err = st.ApplyBooking(ctx, undated)
	require.NoError(t, err)

	cutoff := time.Date(2025, 10, 6, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendScanEvent(ctx, models.ScanEvent{
		ReferenceNo: "20251001-000001",
		GateTag:     models.TagA,
		ScannedAt:   cutoff.Add(-24 * time.Hour),
		Result:      models.ScanSuccess,
		Reason:      "valid entry",
	}))
	require.NoError(t, st.AppendScanEvent(ctx, models.ScanEvent{
		ReferenceNo: "20251009-000001",
		GateTag:     models.TagA,
		ScannedAt:   cutoff.Add(24 * time.Hour),
		Result:      models.ScanSuccess,
		Reason:      "valid entry",
	}))

	tickets, scans, err := st.PruneBefore(ctx, "2025-10-05", cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tickets)
	assert.Equal(t, int64(1), scans)

	_, err = st.GetTicket(ctx, "20251001-000001")
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
	_, err = st.GetTicket(ctx, "20251009-000001")
	assert.NoError(t, err)
	_, err = st.GetTicket(ctx, "20259999-000001")
	assert.NoError(t, err)

	events, err := st.RecentScans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "20251009-000001", events[0].ReferenceNo)
}
