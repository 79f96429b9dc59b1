package models

// AttractionUsage is the per-attraction quota/usage pair exchanged with the
// booking server.
type AttractionUsage struct {
	Pax  int `json:"pax"`
	Used int `json:"used"`
}

// BookingRecord is the wire shape used by both the fetch (pull) and sync
// (push) endpoints of the booking server.
type BookingRecord struct {
	BookingDate string                     `json:"bookingDate"`
	ReferenceNo string                     `json:"referenceNo"`
	Attractions map[string]AttractionUsage `json:"attractions"`
}

// Pax returns the server-side quota for an attraction tag, zero when the
// record carries no entry for it.
func (r BookingRecord) Pax(tag string) int {
	return r.Attractions[tag].Pax
}

// Used returns the server-side usage for an attraction tag.
func (r BookingRecord) Used(tag string) int {
	return r.Attractions[tag].Used
}
