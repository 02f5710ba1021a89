// Package conflict computes scope overlaps among active authorities and
// decides when the kernel is deadlocked.
//
// Conflicts are registered lazily: not when overlapping authorities are
// injected, but at the first action evaluation that touches contested
// scope. Authorities coexisting peacefully never produce conflict records.
package conflict

import (
	"sort"

	"github.com/arbiter-labs/warden/pkg/contracts"
	"github.com/arbiter-labs/warden/pkg/state"
)

// Detector maintains the scope index: scope element key → active authority
// ids. Rebuilt on authority injection or status change; the kernel rebuilds
// it once per cycle after applying control observations.
type Detector struct {
	store *state.Store
	index map[string][]string
}

// NewDetector builds a detector over the store and populates the index.
func NewDetector(store *state.Store) *Detector {
	d := &Detector{store: store}
	d.Rebuild()
	return d
}

// Rebuild recomputes the scope index from the store. Ids within each bucket
// are sorted so index iteration is deterministic.
func (d *Detector) Rebuild() {
	index := make(map[string][]string)
	for _, a := range d.store.Authorities() {
		if a.Status != contracts.AuthorityActive {
			continue
		}
		for _, el := range a.Scope {
			index[el.Key()] = append(index[el.Key()], a.ID)
		}
	}
	for k := range index {
		sort.Strings(index[k])
	}
	d.index = index
}

// Holders returns the active authority ids covering the element.
func (d *Detector) Holders(el contracts.ScopeElement) []string {
	return d.index[el.Key()]
}

// Check evaluates one scope element. If it is contested by two or more
// active authorities and no open conflict covers it yet, Check returns a
// fresh conflict record carrying the store's next sequential id for the
// caller to register; if an open conflict already covers it, that record is
// returned unchanged (idempotent). Check never mutates state.
func (d *Detector) Check(el contracts.ScopeElement) (rec contracts.ConflictRecord, contested, fresh bool) {
	if existing, ok := d.store.OpenConflictFor(el); ok {
		return existing, true, false
	}
	holders := d.index[el.Key()]
	if len(holders) < 2 {
		return contracts.ConflictRecord{}, false, false
	}
	ids := make([]string, len(holders))
	copy(ids, holders)
	return contracts.ConflictRecord{
		ID:            d.store.NextConflictID(),
		EpochDetected: d.store.Epoch(),
		Contested:     []contracts.ScopeElement{el},
		AuthorityIDs:  ids,
		Status:        contracts.ConflictOpenBinding,
	}, true, true
}

// Deadlocked reports whether no admissible transformation exists: at least
// one OPEN_BINDING conflict, and every authority participating in any open
// conflict has an empty permitted-transformation set.
func (d *Detector) Deadlocked() (bool, []string) {
	var binding []string
	participants := make(map[string]struct{})
	for _, c := range d.store.Conflicts() {
		switch c.Status {
		case contracts.ConflictOpenBinding:
			binding = append(binding, c.ID)
		case contracts.ConflictOpenNonbinding:
			// open but not binding; participants still count
		default:
			continue
		}
		for _, id := range c.AuthorityIDs {
			participants[id] = struct{}{}
		}
	}
	if len(binding) == 0 {
		return false, nil
	}
	for id := range participants {
		a, ok := d.store.Authority(id)
		if ok && len(a.PermittedTransforms) > 0 {
			return false, nil
		}
	}
	return true, binding
}
