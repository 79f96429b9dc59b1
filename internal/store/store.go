package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-gatekeeper/internal/models"
)

// ErrTicketNotFound is returned by GetTicket when no row matches the
// reference number.
var ErrTicketNotFound = errors.New("ticket not found")

// Store is the per-gate record store: a durable tickets table plus an
// append-only scan event log, both backed by one SQLite database file.
// SQLite serializes writes, so per-ticket mutations never interleave; the
// conditional UPDATEs below make the capacity and dirty-clear paths
// race-safe on top of that.
type Store struct {
	Bun *bun.DB
}

// New wraps an already-opened bun handle. Used by tests and by callers that
// manage the connection themselves.
func New(bunDB *bun.DB) *Store {
	return &Store{Bun: bunDB}
}

// Open opens (creating if necessary) the gate database at path, applies the
// SQLite tuning pragmas and the schema migrations, and returns a Store.
func Open(path string) (*Store, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open gate database %s: %w", path, err)
	}

	// WAL keeps readers off the writer's back; busy_timeout covers the rare
	// writer-vs-writer collision between the validator and the background
	// services.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := sqldb.Exec(pragma); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := Migrate(sqldb); err != nil {
		sqldb.Close()
		return nil, err
	}

	return New(bun.NewDB(sqldb, sqlitedialect.New())), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.Bun.Close()
}

func usageColumns(tag string) (paxCol, usedCol string, err error) {
	switch tag {
	case models.TagA:
		return "a_pax", "a_used", nil
	case models.TagB:
		return "b_pax", "b_used", nil
	case models.TagC:
		return "c_pax", "c_used", nil
	}
	return "", "", fmt.Errorf("unknown attraction tag %q", tag)
}

// GetTicket looks up one ticket by reference number.
func (s *Store) GetTicket(ctx context.Context, referenceNo string) (*models.Ticket, error) {
	ticket := new(models.Ticket)
	err := s.Bun.NewSelect().
		Model(ticket).
		Where("reference_no = ?", referenceNo).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

// AdmitOne admits one person on the given attraction: it increments the used
// count, sets the dirty flag and stamps last_scan in a single conditional
// UPDATE guarded by used < pax. It reports false when the guard did not hold,
// which covers both an exhausted quota and a lost race against a concurrent
// scan of the same ticket.
func (s *Store) AdmitOne(ctx context.Context, referenceNo, tag string, now time.Time) (bool, error) {
	paxCol, usedCol, err := usageColumns(tag)
	if err != nil {
		return false, err
	}

	res, err := s.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set(usedCol+" = "+usedCol+" + 1").
		Set("dirty = ?", true).
		Set("last_scan = ?", now).
		Where("reference_no = ?", referenceNo).
		Where(usedCol+" < "+paxCol).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ApplyBooking merge-upserts one server record. A new reference is inserted
// with the server's pax values, zero usage and a clean dirty flag. An
// existing reference only has booking_date and the pax columns replaced: the
// server is authoritative for quota, the local store stays authoritative for
// usage until a sync push is acknowledged, so used and dirty are never
// touched here. Applying the same record twice is a no-op the second time.
func (s *Store) ApplyBooking(ctx context.Context, record models.BookingRecord) (created bool, err error) {
	if record.ReferenceNo == "" {
		return false, errors.New("booking record missing referenceNo")
	}

	err = s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*models.Ticket)(nil)).
			Where("reference_no = ?", record.ReferenceNo).
			Exists(ctx)
		if err != nil {
			return err
		}

		if exists {
			_, err = tx.NewUpdate().
				Model((*models.Ticket)(nil)).
				Set("booking_date = ?", record.BookingDate).
				Set("a_pax = ?", record.Pax(models.TagA)).
				Set("b_pax = ?", record.Pax(models.TagB)).
				Set("c_pax = ?", record.Pax(models.TagC)).
				Where("reference_no = ?", record.ReferenceNo).
				Exec(ctx)
			return err
		}

		created = true
		ticket := &models.Ticket{
			ReferenceNo: record.ReferenceNo,
			BookingDate: record.BookingDate,
			APax:        record.Pax(models.TagA),
			BPax:        record.Pax(models.TagB),
			CPax:        record.Pax(models.TagC),
			CreatedAt:   time.Now(),
		}
		_, err = tx.NewInsert().Model(ticket).Exec(ctx)
		return err
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// DirtyTickets returns up to limit tickets whose usage has not been
// acknowledged by the server, oldest last_scan first so no record's
// staleness grows unboundedly while others churn. References in exclude are
// filtered at query time, so records backing off after a failed push cannot
// fill the page and hide pushable ones behind it.
func (s *Store) DirtyTickets(ctx context.Context, limit int, exclude []string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	q := s.Bun.NewSelect().
		Model(&tickets).
		Where("dirty = ?", true).
		OrderExpr("last_scan ASC").
		Limit(limit)
	if len(exclude) > 0 {
		q = q.Where("reference_no NOT IN (?)", bun.In(exclude))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return tickets, nil
}

// ClearDirty marks a ticket clean, but only while its used counts still
// equal the snapshot that was pushed. If a scan landed between the push and
// the acknowledgment the flag stays set and the newer state is pushed on a
// later tick.
func (s *Store) ClearDirty(ctx context.Context, referenceNo string, pushed models.UsageSnapshot) (bool, error) {
	res, err := s.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("dirty = ?", false).
		Where("reference_no = ?", referenceNo).
		Where("dirty = ?", true).
		Where("a_used = ?", pushed.AUsed).
		Where("b_used = ?", pushed.BUsed).
		Where("c_used = ?", pushed.CUsed).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// AppendScanEvent adds one row to the scan log. Missing ID and timestamp are
// filled in here so callers only describe the attempt.
func (s *Store) AppendScanEvent(ctx context.Context, event models.ScanEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.ScannedAt.IsZero() {
		event.ScannedAt = time.Now()
	}
	_, err := s.Bun.NewInsert().Model(&event).Exec(ctx)
	return err
}

// RecentScans returns the newest scan events, most recent first.
func (s *Store) RecentScans(ctx context.Context, limit int) ([]models.ScanEvent, error) {
	var events []models.ScanEvent
	err := s.Bun.NewSelect().
		Model(&events).
		OrderExpr("scanned_at DESC, id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Stats are the counters the gate display renders next to the scan feedback.
type Stats struct {
	TotalTickets int `json:"total_tickets"`
	TodayScans   int `json:"today_scans"`
	TodayEntries int `json:"today_entries"`
	DirtyCount   int `json:"dirty_count"`
}

// Stats summarizes the store for one gate's attraction tag.
func (s *Store) Stats(ctx context.Context, tag string) (Stats, error) {
	_, usedCol, err := usageColumns(tag)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats

	stats.TotalTickets, err = s.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		Count(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats.TodayScans, err = s.Bun.NewSelect().
		Model((*models.ScanEvent)(nil)).
		Where("DATE(scanned_at) = DATE('now')").
		Count(ctx)
	if err != nil {
		return Stats{}, err
	}

	err = s.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		ColumnExpr("COALESCE(SUM(" + usedCol + "), 0)").
		Where("DATE(last_scan) = DATE('now')").
		Scan(ctx, &stats.TodayEntries)
	if err != nil {
		return Stats{}, err
	}

	stats.DirtyCount, err = s.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		Where("dirty = ?", true).
		Count(ctx)
	if err != nil {
		return Stats{}, err
	}

	return stats, nil
}

// PruneBefore removes tickets booked on or before bookingCutoff (a
// YYYY-MM-DD date) and scan events older than scanCutoff. Only the retention
// cleanup service calls this; normal operation never deletes.
func (s *Store) PruneBefore(ctx context.Context, bookingCutoff string, scanCutoff time.Time) (ticketsDeleted, scansDeleted int64, err error) {
	resTickets, err := s.Bun.NewDelete().
		Model((*models.Ticket)(nil)).
		Where("booking_date != ''").
		Where("booking_date <= ?", bookingCutoff).
		Exec(ctx)
	if err != nil {
		return 0, 0, err
	}
	ticketsDeleted, _ = resTickets.RowsAffected()

	resScans, err := s.Bun.NewDelete().
		Model((*models.ScanEvent)(nil)).
		Where("scanned_at < ?", scanCutoff).
		Exec(ctx)
	if err != nil {
		return ticketsDeleted, 0, err
	}
	scansDeleted, _ = resScans.RowsAffected()

	return ticketsDeleted, scansDeleted, nil
}
