package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Scan results recorded in the scan event log.
const (
	ScanSuccess = "SUCCESS"
	ScanFailed  = "FAILED"
)

// ScanEvent is one validation attempt. Rows are append-only: they are never
// updated or deleted outside retention cleanup.
type ScanEvent struct {
	bun.BaseModel `bun:"table:scan_events"`

	ID          string    `bun:"id,pk" json:"id"`
	ReferenceNo string    `bun:"reference_no" json:"reference_no"`
	GateTag     string    `bun:"gate_tag" json:"gate_tag"`
	ScannedAt   time.Time `bun:"scanned_at,nullzero" json:"scanned_at"`
	Result      string    `bun:"result" json:"result"`
	Reason      string    `bun:"reason" json:"reason"`
}
