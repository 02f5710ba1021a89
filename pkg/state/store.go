// Package state owns all mutable kernel state: authority records, conflict
// records, pending amendments, treaty grants, and the per-run internal
// state (cycle index, active constitution hash, deadlock flag).
//
// The store is exclusively owned by one kernel instance and is mutated only
// by applying a fully computed cycle delta at the end of a cycle, never
// incrementally mid-gate, so a rejected cycle leaves state byte-identical
// to before it ran. Every accessor that can feed the canonical encoder
// iterates in lexicographic key order; insertion order is never observable.
package state

import (
	"fmt"
	"sort"

	"github.com/arbiter-labs/warden/pkg/contracts"
)

// InternalState is the per-run kernel state summarized for logging and
// hashing.
type InternalState struct {
	Cycle            int64  `json:"cycle"`
	Epoch            int64  `json:"epoch"`
	ConstitutionHash string `json:"constitution_hash"`
	Deadlock         bool   `json:"deadlock"`
	DeadlockCause    string `json:"deadlock_cause,omitempty"`
	PendingProposals int    `json:"pending_proposals"`
}

// Store is the entity store. Not safe for concurrent use; each kernel
// instance owns its store exclusively.
type Store struct {
	authorities map[string]contracts.AuthorityRecord
	conflicts   map[string]contracts.ConflictRecord
	pending     map[string]contracts.PendingAmendment
	grants      map[string]contracts.TreatyGrant

	usedAuthorityIDs map[string]struct{}
	conflictSeq      int64

	cycle            int64
	epoch            int64
	constitutionHash string
	deadlock         bool
	deadlockCause    string
}

// New creates an empty store anchored to the active constitution hash.
func New(constitutionHash string) *Store {
	return &Store{
		authorities:      make(map[string]contracts.AuthorityRecord),
		conflicts:        make(map[string]contracts.ConflictRecord),
		pending:          make(map[string]contracts.PendingAmendment),
		grants:           make(map[string]contracts.TreatyGrant),
		usedAuthorityIDs: make(map[string]struct{}),
		constitutionHash: constitutionHash,
	}
}

// Internal returns the internal-state summary.
func (s *Store) Internal() InternalState {
	return InternalState{
		Cycle:            s.cycle,
		Epoch:            s.epoch,
		ConstitutionHash: s.constitutionHash,
		Deadlock:         s.deadlock,
		DeadlockCause:    s.deadlockCause,
		PendingProposals: len(s.pending),
	}
}

// Cycle returns the current cycle index.
func (s *Store) Cycle() int64 { return s.cycle }

// Epoch returns the current epoch.
func (s *Store) Epoch() int64 { return s.epoch }

// ConstitutionHash returns the active constitution hash.
func (s *Store) ConstitutionHash() string { return s.constitutionHash }

// Deadlocked reports the terminal deadlock flag and its cause.
func (s *Store) Deadlocked() (bool, string) { return s.deadlock, s.deadlockCause }

// Authority looks up an authority record by id.
func (s *Store) Authority(id string) (contracts.AuthorityRecord, bool) {
	a, ok := s.authorities[id]
	return a, ok
}

// Authorities returns all authority records sorted by id.
func (s *Store) Authorities() []contracts.AuthorityRecord {
	ids := make([]string, 0, len(s.authorities))
	for id := range s.authorities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]contracts.AuthorityRecord, len(ids))
	for i, id := range ids {
		out[i] = s.authorities[id]
	}
	return out
}

// Conflict looks up a conflict record by id.
func (s *Store) Conflict(id string) (contracts.ConflictRecord, bool) {
	c, ok := s.conflicts[id]
	return c, ok
}

// Conflicts returns all conflict records sorted by id.
func (s *Store) Conflicts() []contracts.ConflictRecord {
	ids := make([]string, 0, len(s.conflicts))
	for id := range s.conflicts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]contracts.ConflictRecord, len(ids))
	for i, id := range ids {
		out[i] = s.conflicts[id]
	}
	return out
}

// OpenConflictFor returns the open conflict contesting the element, if any.
// Both binding and nonbinding conflicts count as open.
func (s *Store) OpenConflictFor(el contracts.ScopeElement) (contracts.ConflictRecord, bool) {
	for _, c := range s.Conflicts() {
		if c.Status == contracts.ConflictResolved {
			continue
		}
		if c.Touches(el) {
			return c, true
		}
	}
	return contracts.ConflictRecord{}, false
}

// PendingAmendments returns queued proposals ordered by (proposal cycle,
// proposal id).
func (s *Store) PendingAmendments() []contracts.PendingAmendment {
	out := make([]contracts.PendingAmendment, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProposalCycle != out[j].ProposalCycle {
			return out[i].ProposalCycle < out[j].ProposalCycle
		}
		return out[i].ProposalID < out[j].ProposalID
	})
	return out
}

// Grant looks up a treaty grant by id.
func (s *Store) Grant(id string) (contracts.TreatyGrant, bool) {
	g, ok := s.grants[id]
	return g, ok
}

// Grants returns all treaty grants sorted by id.
func (s *Store) Grants() []contracts.TreatyGrant {
	ids := make([]string, 0, len(s.grants))
	for id := range s.grants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]contracts.TreatyGrant, len(ids))
	for i, id := range ids {
		out[i] = s.grants[id]
	}
	return out
}

// NextConflictID returns the id the next registered conflict will get,
// without consuming it. Conflict ids are sequential.
func (s *Store) NextConflictID() string {
	return fmt.Sprintf("conflict-%d", s.conflictSeq+1)
}

// refreshConflictStatuses downgrades conflicts whose participants are no
// longer all ACTIVE and upgrades them back when they are. Resolved
// conflicts are final. Downgrading never removes a conflict; only an
// explicit resolution event does.
func (s *Store) refreshConflictStatuses() {
	for id, c := range s.conflicts {
		if c.Status == contracts.ConflictResolved {
			continue
		}
		allActive := true
		for _, aid := range c.AuthorityIDs {
			a, ok := s.authorities[aid]
			if !ok || a.Status != contracts.AuthorityActive {
				allActive = false
				break
			}
		}
		if allActive {
			c.Status = contracts.ConflictOpenBinding
		} else {
			c.Status = contracts.ConflictOpenNonbinding
		}
		s.conflicts[id] = c
	}
}

// hasOpenBinding reports whether any OPEN_BINDING conflict remains.
func (s *Store) hasOpenBinding() bool {
	for _, c := range s.conflicts {
		if c.Status == contracts.ConflictOpenBinding {
			return true
		}
	}
	return false
}
