// Package ceiling enforces per-principal permission ceilings and records
// escalation requests.
//
// An escalation request is a record of intent only. Approving one does not
// raise the principal's ceiling; an operator does that with SetCeiling.
package ceiling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avaropoint/agentvault/internal/security"
	"github.com/avaropoint/agentvault/internal/store"
)

// Record is a principal's explicit ceiling.
type Record struct {
	Principal string          `json:"user_id"`
	Ceiling   PermissionLevel `json:"ceiling"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Escalation statuses.
const (
	StatusOpen     = "open"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// EscalationRequest asks for a level above the current ceiling.
type EscalationRequest struct {
	ID             string          `json:"id"`
	Principal      string          `json:"user_id"`
	RequestedLevel PermissionLevel `json:"requested_level"`
	Reason         string          `json:"reason"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

type snapshot struct {
	Ceilings           map[string]Record   `json:"ceilings"`
	EscalationRequests []EscalationRequest `json:"escalation_requests"`
}

func (s snapshot) clone() snapshot {
	c := snapshot{
		Ceilings:           make(map[string]Record, len(s.Ceilings)),
		EscalationRequests: append([]EscalationRequest(nil), s.EscalationRequests...),
	}
	for k, v := range s.Ceilings {
		c.Ceilings[k] = v
	}
	return c
}

// Manager holds every ceiling record and escalation request.
type Manager struct {
	mu    sync.RWMutex
	data  snapshot
	blobs store.Store
	env   security.Env
	log   *logrus.Entry
}

// New loads the ceilings blob from s, starting empty if it is absent.
func New(ctx context.Context, s store.Store, env security.Env) (*Manager, error) {
	env = env.WithDefaults()
	m := &Manager{
		blobs: s,
		env:   env,
		log:   env.Logger.WithField("store", store.BlobCeilings),
	}
	if _, err := store.LoadJSON(ctx, s, store.BlobCeilings, &m.data); err != nil {
		return nil, err
	}
	if m.data.Ceilings == nil {
		m.data.Ceilings = make(map[string]Record)
	}
	return m, nil
}

func (m *Manager) commit(ctx context.Context, next snapshot) error {
	if err := store.SaveJSON(ctx, m.blobs, m.env.Logger, store.BlobCeilings, next); err != nil {
		return err
	}
	m.data = next
	return nil
}

// SetCeiling upserts the principal's ceiling. An existing record keeps its
// CreatedAt; UpdatedAt is always refreshed.
func (m *Manager) SetCeiling(ctx context.Context, principal string, level PermissionLevel) (Record, error) {
	if principal == "" {
		return Record{}, fmt.Errorf("%w: principal required", security.ErrMalformedInput)
	}
	if !level.Valid() {
		return Record{}, fmt.Errorf("%w: invalid permission level %d", security.ErrMalformedInput, int(level))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.env.Clock.Now()
	rec := Record{Principal: principal, Ceiling: level, CreatedAt: now, UpdatedAt: now}
	if prev, ok := m.data.Ceilings[principal]; ok {
		rec.CreatedAt = prev.CreatedAt
	}

	next := m.data.clone()
	next.Ceilings[principal] = rec
	if err := m.commit(ctx, next); err != nil {
		return Record{}, err
	}

	m.log.WithFields(logrus.Fields{"principal": principal, "ceiling": level}).Info("Ceiling set")
	return rec, nil
}

// GetCeiling returns the principal's effective ceiling: the explicit record
// if one exists, otherwise DefaultCeiling.
func (m *Manager) GetCeiling(principal string) PermissionLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.data.Ceilings[principal]; ok {
		return rec.Ceiling
	}
	return DefaultCeiling
}

// Record returns the principal's explicit record, if any.
func (m *Manager) Record(principal string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data.Ceilings[principal]
	return rec, ok
}

// ListCeilings returns every explicit record ordered by principal.
func (m *Manager) ListCeilings() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.data.Ceilings))
	for _, rec := range m.data.Ceilings {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out
}

// RemoveCeiling drops the explicit record; the principal falls back to
// DefaultCeiling. Removing a missing record is a no-op.
func (m *Manager) RemoveCeiling(ctx context.Context, principal string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data.Ceilings[principal]; !ok {
		return nil
	}
	next := m.data.clone()
	delete(next.Ceilings, principal)
	if err := m.commit(ctx, next); err != nil {
		return err
	}
	m.log.WithField("principal", principal).Info("Ceiling removed")
	return nil
}

// CheckPermission fails with a *PermissionDeniedError when requested
// exceeds the principal's effective ceiling. A level outside the enumeration
// is malformed input, never an allowed request.
func (m *Manager) CheckPermission(principal string, requested PermissionLevel) error {
	if !requested.Valid() {
		return fmt.Errorf("%w: invalid permission level %d", security.ErrMalformedInput, int(requested))
	}
	ceiling := m.GetCeiling(principal)
	if IsWithinCeiling(requested, ceiling) {
		return nil
	}
	m.log.WithFields(logrus.Fields{
		"principal": principal,
		"requested": requested,
		"ceiling":   ceiling,
	}).Warn("Permission denied")
	return &PermissionDeniedError{Principal: principal, Requested: requested, Ceiling: ceiling}
}

// RequestEscalation records an open request for level.
func (m *Manager) RequestEscalation(ctx context.Context, principal string, level PermissionLevel, reason string) (EscalationRequest, error) {
	if principal == "" {
		return EscalationRequest{}, fmt.Errorf("%w: principal required", security.ErrMalformedInput)
	}
	if !level.Valid() {
		return EscalationRequest{}, fmt.Errorf("%w: invalid permission level %d", security.ErrMalformedInput, int(level))
	}

	id, err := security.NewID(m.env.Rand)
	if err != nil {
		return EscalationRequest{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	req := EscalationRequest{
		ID:             id,
		Principal:      principal,
		RequestedLevel: level,
		Reason:         reason,
		Status:         StatusOpen,
		CreatedAt:      m.env.Clock.Now(),
	}
	next := m.data.clone()
	next.EscalationRequests = append(next.EscalationRequests, req)
	if err := m.commit(ctx, next); err != nil {
		return EscalationRequest{}, err
	}

	m.log.WithFields(logrus.Fields{
		"principal":     principal,
		"escalation_id": id,
		"requested":     level,
	}).Info("Escalation requested")
	return req, nil
}

// ResolveEscalation approves or denies an open request. It does not change
// any ceiling.
func (m *Manager) ResolveEscalation(ctx context.Context, id string, approve bool) (EscalationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, req := range m.data.EscalationRequests {
		if req.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return EscalationRequest{}, fmt.Errorf("escalation %s: %w", id, security.ErrNotFound)
	}
	if m.data.EscalationRequests[idx].Status != StatusOpen {
		return EscalationRequest{}, ErrAlreadyResolved
	}

	now := m.env.Clock.Now()
	next := m.data.clone()
	req := &next.EscalationRequests[idx]
	req.Status = StatusDenied
	if approve {
		req.Status = StatusApproved
	}
	req.ResolvedAt = &now
	resolved := *req
	if err := m.commit(ctx, next); err != nil {
		return EscalationRequest{}, err
	}

	m.log.WithFields(logrus.Fields{
		"principal":     resolved.Principal,
		"escalation_id": id,
		"status":        resolved.Status,
	}).Info("Escalation resolved")
	return resolved, nil
}

// GetEscalation looks up a request by id.
func (m *Manager) GetEscalation(id string) (EscalationRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, req := range m.data.EscalationRequests {
		if req.ID == id {
			return req, true
		}
	}
	return EscalationRequest{}, false
}

// ListEscalations returns requests in creation order, filtered to principal
// unless it is empty.
func (m *Manager) ListEscalations(principal string) []EscalationRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []EscalationRequest
	for _, req := range m.data.EscalationRequests {
		if principal == "" || req.Principal == principal {
			out = append(out, req)
		}
	}
	return out
}
