// Package groupvault stores secrets shared by a group behind an N-of-M
// approval gate. An entry unlocks once Threshold distinct members approve
// it; only an unlocked entry can be revealed.
//
// Unlocked is never stored. It is recomputed from the approval set on every
// check.
package groupvault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avaropoint/agentvault/internal/security"
	"github.com/avaropoint/agentvault/internal/store"
)

// ErrLocked is returned by Reveal before an entry reaches its threshold.
var ErrLocked = errors.New("group secret locked: approvals below threshold")

// Approval records one member's sign-off.
type Approval struct {
	UserID     string    `json:"user_id"`
	ApprovedAt time.Time `json:"approved_at"`
}

// Entry describes a group secret without its value.
type Entry struct {
	ID        string     `json:"id"`
	GroupID   string     `json:"group_id"`
	Name      string     `json:"name"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	Threshold int        `json:"threshold"`
	Approvals []Approval `json:"approvals"`
}

// Unlocked reports whether the distinct approvals meet the threshold.
func (e Entry) Unlocked() bool {
	return len(e.Approvals) >= e.Threshold
}

func (e Entry) approvedBy(userID string) bool {
	for _, a := range e.Approvals {
		if a.UserID == userID {
			return true
		}
	}
	return false
}

type record struct {
	Entry
	EncryptedValue string `json:"encrypted_value"`
}

func (r record) view() Entry {
	e := r.Entry
	e.Approvals = append([]Approval(nil), r.Approvals...)
	return e
}

type snapshot struct {
	Entries []record `json:"entries"`
}

func (s snapshot) clone() snapshot {
	return snapshot{Entries: append([]record(nil), s.Entries...)}
}

func (s snapshot) index(id string) int {
	for i, r := range s.Entries {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// Gate holds every group secret and its approvals.
type Gate struct {
	mu    sync.RWMutex
	data  snapshot
	codec *security.Codec
	blobs store.Store
	env   security.Env
	log   *logrus.Entry
}

// New loads the group_vault blob from s.
func New(ctx context.Context, s store.Store, codec *security.Codec, env security.Env) (*Gate, error) {
	env = env.WithDefaults()
	g := &Gate{
		codec: codec,
		blobs: s,
		env:   env,
		log:   env.Logger.WithField("store", store.BlobGroupVault),
	}
	if _, err := store.LoadJSON(ctx, s, store.BlobGroupVault, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gate) commit(ctx context.Context, next snapshot) error {
	if err := store.SaveJSON(ctx, g.blobs, g.env.Logger, store.BlobGroupVault, next); err != nil {
		return err
	}
	g.data = next
	return nil
}

// Create seals value and stores it for groupID with no approvals. The
// threshold is fixed for the entry's lifetime and must be at least 1.
func (g *Gate) Create(ctx context.Context, groupID, name string, value []byte, createdBy string, threshold int) (Entry, error) {
	if groupID == "" || name == "" || createdBy == "" {
		return Entry{}, fmt.Errorf("%w: group, name and creator are required", security.ErrMalformedInput)
	}
	if threshold < 1 {
		return Entry{}, fmt.Errorf("%w: threshold must be at least 1, got %d", security.ErrMalformedInput, threshold)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	sealed, err := g.codec.Seal(value)
	if err != nil {
		return Entry{}, err
	}
	id, err := security.NewID(g.env.Rand)
	if err != nil {
		return Entry{}, err
	}

	r := record{
		Entry: Entry{
			ID:        id,
			GroupID:   groupID,
			Name:      name,
			CreatedBy: createdBy,
			CreatedAt: g.env.Clock.Now(),
			Threshold: threshold,
			Approvals: []Approval{},
		},
		EncryptedValue: sealed,
	}
	next := g.data.clone()
	next.Entries = append(next.Entries, r)
	if err := g.commit(ctx, next); err != nil {
		return Entry{}, err
	}

	g.log.WithFields(logrus.Fields{
		"entry_id":  id,
		"group":     groupID,
		"name":      name,
		"threshold": threshold,
	}).Info("Group secret created")
	return r.view(), nil
}

// Approve records userID's approval and reports whether the entry is now
// unlocked. A repeat approval by the same user changes nothing.
func (g *Gate) Approve(ctx context.Context, entryID, userID string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("%w: approver required", security.ErrMalformedInput)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	idx := g.data.index(entryID)
	if idx < 0 {
		return false, fmt.Errorf("group secret %s: %w", entryID, security.ErrNotFound)
	}
	if g.data.Entries[idx].approvedBy(userID) {
		return g.data.Entries[idx].Unlocked(), nil
	}

	next := g.data.clone()
	r := &next.Entries[idx]
	r.Approvals = append(append([]Approval(nil), r.Approvals...), Approval{
		UserID:     userID,
		ApprovedAt: g.env.Clock.Now(),
	})
	if err := g.commit(ctx, next); err != nil {
		return false, err
	}

	unlocked := r.Unlocked()
	g.log.WithFields(logrus.Fields{
		"entry_id":  entryID,
		"approver":  userID,
		"approvals": len(r.Approvals),
		"threshold": r.Threshold,
		"unlocked":  unlocked,
	}).Info("Group secret approved")
	return unlocked, nil
}

// IsUnlocked reports whether the entry exists and has enough approvals.
func (g *Gate) IsUnlocked(entryID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx := g.data.index(entryID)
	return idx >= 0 && g.data.Entries[idx].Unlocked()
}

// Get returns the entry and its approvals.
func (g *Gate) Get(entryID string) (Entry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx := g.data.index(entryID)
	if idx < 0 {
		return Entry{}, fmt.Errorf("group secret %s: %w", entryID, security.ErrNotFound)
	}
	return g.data.Entries[idx].view(), nil
}

// ListByGroup returns the group's entries in creation order.
func (g *Gate) ListByGroup(groupID string) []Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Entry
	for _, r := range g.data.Entries {
		if r.GroupID == groupID {
			out = append(out, r.view())
		}
	}
	return out
}

// Reveal opens an unlocked entry's value. A locked entry fails with
// ErrLocked without touching the ciphertext.
func (g *Gate) Reveal(entryID string) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx := g.data.index(entryID)
	if idx < 0 {
		return nil, fmt.Errorf("group secret %s: %w", entryID, security.ErrNotFound)
	}
	r := g.data.Entries[idx]
	if !r.Unlocked() {
		return nil, fmt.Errorf("group secret %s (%d/%d): %w", entryID, len(r.Approvals), r.Threshold, ErrLocked)
	}
	plaintext, err := g.codec.Open(r.EncryptedValue)
	if err != nil {
		return nil, fmt.Errorf("group secret %s: %w", entryID, err)
	}
	return plaintext, nil
}

func (g *Gate) remove(ctx context.Context, match func(record) bool) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var next snapshot
	for _, r := range g.data.Entries {
		if !match(r) {
			next.Entries = append(next.Entries, r)
		}
	}
	removed := len(g.data.Entries) - len(next.Entries)
	if removed == 0 {
		return 0, nil
	}
	return removed, g.commit(ctx, next)
}

// Delete removes one entry. Deleting a missing id is a no-op.
func (g *Gate) Delete(ctx context.Context, entryID string) error {
	n, err := g.remove(ctx, func(r record) bool { return r.ID == entryID })
	if err == nil && n > 0 {
		g.log.WithField("entry_id", entryID).Info("Group secret deleted")
	}
	return err
}

// DeleteByGroup removes every entry owned by the group.
func (g *Gate) DeleteByGroup(ctx context.Context, groupID string) error {
	n, err := g.remove(ctx, func(r record) bool { return r.GroupID == groupID })
	if err == nil && n > 0 {
		g.log.WithFields(logrus.Fields{"group": groupID, "count": n}).Info("Group secrets deleted")
	}
	return err
}
