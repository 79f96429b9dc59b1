package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Attraction tags recognised by the booking server. Each physical gate is
// bound to exactly one tag.
const (
	TagA = "A"
	TagB = "B"
	TagC = "C"
)

// Tags lists every attraction tag in wire order.
var Tags = []string{TagA, TagB, TagC}

// ValidTag reports whether tag names a known attraction.
func ValidTag(tag string) bool {
	switch tag {
	case TagA, TagB, TagC:
		return true
	}
	return false
}

// Ticket is the local record for one booking reference. Quota (pax) columns
// are owned by the booking server; usage (used) columns are owned locally
// until the server acknowledges them through a sync push.
type Ticket struct {
	bun.BaseModel `bun:"table:tickets"`

	ReferenceNo string `bun:"reference_no,pk" json:"reference_no"`
	BookingDate string `bun:"booking_date" json:"booking_date"`

	APax  int `bun:"a_pax" json:"a_pax"`
	AUsed int `bun:"a_used" json:"a_used"`
	BPax  int `bun:"b_pax" json:"b_pax"`
	BUsed int `bun:"b_used" json:"b_used"`
	CPax  int `bun:"c_pax" json:"c_pax"`
	CUsed int `bun:"c_used" json:"c_used"`

	// Dirty is true while the used counts have not been acknowledged by the
	// booking server.
	Dirty bool `bun:"dirty" json:"dirty"`

	CreatedAt time.Time `bun:"created_at,nullzero" json:"created_at"`
	LastScan  time.Time `bun:"last_scan,nullzero" json:"last_scan"`
}

// Pax returns the authorized person count for the given attraction tag.
func (t *Ticket) Pax(tag string) int {
	switch tag {
	case TagA:
		return t.APax
	case TagB:
		return t.BPax
	case TagC:
		return t.CPax
	}
	return 0
}

// Used returns the admitted person count for the given attraction tag.
func (t *Ticket) Used(tag string) int {
	switch tag {
	case TagA:
		return t.AUsed
	case TagB:
		return t.BUsed
	case TagC:
		return t.CUsed
	}
	return 0
}

// UsageSnapshot pins the used counts at the moment a sync push was built, so
// the dirty flag is only cleared while those counts still hold.
type UsageSnapshot struct {
	AUsed int
	BUsed int
	CUsed int
}

// Usage captures the ticket's current used counts.
func (t *Ticket) Usage() UsageSnapshot {
	return UsageSnapshot{AUsed: t.AUsed, BUsed: t.BUsed, CUsed: t.CUsed}
}

// BookingRecord converts the local ticket into the server wire shape. Every
// attraction is included, not only the one last incremented.
func (t *Ticket) BookingRecord() BookingRecord {
	attractions := make(map[string]AttractionUsage, len(Tags))
	for _, tag := range Tags {
		attractions[tag] = AttractionUsage{Pax: t.Pax(tag), Used: t.Used(tag)}
	}
	return BookingRecord{
		BookingDate: t.BookingDate,
		ReferenceNo: t.ReferenceNo,
		Attractions: attractions,
	}
}
