package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/pkg/id"
)

const DefaultAuditCapacity = 1000

// AuditTrail keeps the most recent audit records in memory.
type AuditTrail struct {
	records  []domain.AuditRecord
	capacity int
	mu       sync.RWMutex
}

func NewAuditTrail(capacity int) *AuditTrail {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &AuditTrail{capacity: capacity}
}

func (a *AuditTrail) Append(_ context.Context, rec domain.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = append(a.records, rec)
	if len(a.records) > a.capacity {
		a.records = a.records[len(a.records)-a.capacity:]
	}
	return nil
}

// Records returns a copy, oldest first.
func (a *AuditTrail) Records() []domain.AuditRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]domain.AuditRecord, len(a.records))
	copy(out, a.records)
	return out
}

// Tail returns the last n records, oldest first.
func (a *AuditTrail) Tail(n int) []domain.AuditRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if n <= 0 || n > len(a.records) {
		n = len(a.records)
	}
	out := make([]domain.AuditRecord, n)
	copy(out, a.records[len(a.records)-n:])
	return out
}

// ForCycle returns the records of one cycle in append order.
func (a *AuditTrail) ForCycle(cycleID string) []domain.AuditRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []domain.AuditRecord
	for _, r := range a.records {
		if r.CycleID == cycleID {
			out = append(out, r)
		}
	}
	return out
}

// MultiSink fans each record out to every sink and joins their errors.
type MultiSink []domain.AuditSink

func (m MultiSink) Append(ctx context.Context, rec domain.AuditRecord) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newAuditRecord stamps an ID and marshals payload, dropping it if it
// cannot be encoded.
func newAuditRecord(now time.Time, kind domain.AuditKind, reasoning string, payload any) domain.AuditRecord {
	rec := domain.AuditRecord{
		ID:        id.WithPrefix("aud"),
		Time:      now.UTC(),
		Kind:      kind,
		Reasoning: reasoning,
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			rec.Payload = b
		}
	}
	return rec
}
