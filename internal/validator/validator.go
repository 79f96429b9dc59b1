package validator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ms-gatekeeper/internal/logger"
	"ms-gatekeeper/internal/models"
	"ms-gatekeeper/internal/store"
)

// Admission failure reasons exposed to the display layer.
const (
	ReasonValidEntry    = "valid entry"
	ReasonDuplicateScan = "duplicate scan"
	ReasonNotFound      = "not found"
	ReasonMismatch      = "attraction mismatch"
	ReasonExhausted     = "entries exhausted"
)

// Outcome is the result of one admission attempt, shaped for the display
// layer ("2 of 4 persons entered").
type Outcome struct {
	Result      string `json:"result"`
	Reason      string `json:"reason"`
	Used        int    `json:"used"`
	Pax         int    `json:"pax"`
	ReferenceNo string `json:"reference_no"`
}

// Admitted reports whether the attempt succeeded.
func (o Outcome) Admitted() bool {
	return o.Result == models.ScanSuccess
}

// StoreLayer is the slice of the record store the validator needs.
type StoreLayer interface {
	GetTicket(ctx context.Context, referenceNo string) (*models.Ticket, error)
	AdmitOne(ctx context.Context, referenceNo, tag string, now time.Time) (bool, error)
	AppendScanEvent(ctx context.Context, event models.ScanEvent) error
}

// EventSink receives a copy of every logged scan event. Publishing must not
// block admission; implementations own their own timeouts.
type EventSink interface {
	PublishScan(event models.ScanEvent)
}

// Validator decides admission for one gate. It only ever touches the local
// store; network availability cannot delay an admission decision.
type Validator struct {
	// Events, when set, receives every scan event that is appended to the
	// log. Optional.
	Events EventSink

	store    StoreLayer
	gateTag  string
	cooldown time.Duration
	log      *logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastAdmit map[string]time.Time
}

// New builds a validator for the given attraction tag. A non-positive
// cooldown falls back to the 3 second default.
func New(st StoreLayer, gateTag string, cooldown time.Duration, log *logger.Logger) *Validator {
	if cooldown <= 0 {
		cooldown = 3 * time.Second
	}
	return &Validator{
		store:     st,
		gateTag:   gateTag,
		cooldown:  cooldown,
		log:       log,
		now:       time.Now,
		lastAdmit: make(map[string]time.Time),
	}
}

// GateTag returns the attraction tag this validator admits for.
func (v *Validator) GateTag() string {
	return v.gateTag
}

// Admit validates one scanned reference and, when valid, admits one person:
// used is incremented, dirty is set and last_scan stamped in a single store
// mutation. Every attempt except a cooldown hit appends one scan event.
// Returned errors are store faults only; all validation failures are
// expressed as FAILED outcomes.
func (v *Validator) Admit(ctx context.Context, referenceNo string) (Outcome, error) {
	now := v.now()

	// Double-reads of one physical ticket within the cooldown window are
	// suppressed without logging, so rapid re-scans cannot flood the log.
	if v.withinCooldown(referenceNo, now) {
		return Outcome{
			Result:      models.ScanFailed,
			Reason:      ReasonDuplicateScan,
			ReferenceNo: referenceNo,
		}, nil
	}

	ticket, err := v.store.GetTicket(ctx, referenceNo)
	if errors.Is(err, store.ErrTicketNotFound) {
		v.logScan(ctx, referenceNo, now, models.ScanFailed, ReasonNotFound)
		return Outcome{
			Result:      models.ScanFailed,
			Reason:      ReasonNotFound,
			ReferenceNo: referenceNo,
		}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup ticket %s: %w", referenceNo, err)
	}

	pax := ticket.Pax(v.gateTag)
	used := ticket.Used(v.gateTag)

	if pax == 0 {
		v.logScan(ctx, referenceNo, now, models.ScanFailed, ReasonMismatch)
		return Outcome{
			Result:      models.ScanFailed,
			Reason:      ReasonMismatch,
			ReferenceNo: referenceNo,
		}, nil
	}

	if used >= pax {
		v.logScan(ctx, referenceNo, now, models.ScanFailed, ReasonExhausted)
		return Outcome{
			Result:      models.ScanFailed,
			Reason:      ReasonExhausted,
			Used:        used,
			Pax:         pax,
			ReferenceNo: referenceNo,
		}, nil
	}

	admitted, err := v.store.AdmitOne(ctx, referenceNo, v.gateTag, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("admit ticket %s: %w", referenceNo, err)
	}
	if !admitted {
		// Lost the capacity race to a concurrent scan of the same ticket.
		if fresh, err := v.store.GetTicket(ctx, referenceNo); err == nil {
			used = fresh.Used(v.gateTag)
			pax = fresh.Pax(v.gateTag)
		}
		v.logScan(ctx, referenceNo, now, models.ScanFailed, ReasonExhausted)
		return Outcome{
			Result:      models.ScanFailed,
			Reason:      ReasonExhausted,
			Used:        used,
			Pax:         pax,
			ReferenceNo: referenceNo,
		}, nil
	}

	v.markAdmit(referenceNo, now)
	v.logScan(ctx, referenceNo, now, models.ScanSuccess, ReasonValidEntry)
	v.log.Info(logger.CategoryValidator,
		fmt.Sprintf("admitted %s at gate %s (%d of %d entered)", referenceNo, v.gateTag, used+1, pax))

	return Outcome{
		Result:      models.ScanSuccess,
		Reason:      ReasonValidEntry,
		Used:        used + 1,
		Pax:         pax,
		ReferenceNo: referenceNo,
	}, nil
}

func (v *Validator) withinCooldown(referenceNo string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	last, ok := v.lastAdmit[referenceNo]
	return ok && now.Sub(last) < v.cooldown
}

func (v *Validator) markAdmit(referenceNo string, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastAdmit[referenceNo] = now
	if len(v.lastAdmit) > 1024 {
		for ref, at := range v.lastAdmit {
			if now.Sub(at) >= v.cooldown {
				delete(v.lastAdmit, ref)
			}
		}
	}
}

func (v *Validator) logScan(ctx context.Context, referenceNo string, now time.Time, result, reason string) {
	event := models.ScanEvent{
		ReferenceNo: referenceNo,
		GateTag:     v.gateTag,
		ScannedAt:   now,
		Result:      result,
		Reason:      reason,
	}
	if err := v.store.AppendScanEvent(ctx, event); err != nil {
		v.log.Warn(logger.CategoryValidator,
			fmt.Sprintf("failed to log scan of %s: %v", referenceNo, err))
	}
	if v.Events != nil {
		go v.Events.PublishScan(event)
	}
}
