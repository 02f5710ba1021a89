package state

import (
	"fmt"

	"github.com/arbiter-labs/warden/pkg/contracts"
)

// OpKind tags a single state mutation inside a cycle delta.
type OpKind string

const (
	OpInjectAuthority  OpKind = "inject_authority"
	OpDestroyAuthority OpKind = "destroy_authority"
	OpRenewAuthority   OpKind = "renew_authority"
	OpAdvanceEpoch     OpKind = "advance_epoch"
	OpRegisterConflict OpKind = "register_conflict"
	OpResolveConflict  OpKind = "resolve_conflict"
	OpRegisterGrant    OpKind = "register_grant"
	OpQueueAmendment   OpKind = "queue_amendment"
	OpAdoptAmendment   OpKind = "adopt_amendment"
	OpDeclareDeadlock  OpKind = "declare_deadlock"
)

// Op is one mutation. Which fields are set depends on Kind.
type Op struct {
	Kind OpKind

	Authority   *contracts.AuthorityRecord
	AuthorityID string
	Provenance  *contracts.Provenance

	Epoch int64

	Conflict   *contracts.ConflictRecord
	ConflictID string

	Grant     *contracts.TreatyGrant
	Amendment *contracts.PendingAmendment

	ProposalID string
	NewHash    string

	DeadlockCause string
	ConflictIDs   []string
}

// Delta is the fully computed set of mutations for one cycle. The kernel
// accumulates ops while evaluating the cycle and applies them exactly once
// at the end; nothing mutates the store mid-gate.
type Delta struct {
	Ops []Op
}

func (d *Delta) add(op Op) { d.Ops = append(d.Ops, op) }

// InjectAuthority schedules a fresh authority record.
func (d *Delta) InjectAuthority(rec contracts.AuthorityRecord) {
	d.add(Op{Kind: OpInjectAuthority, Authority: &rec})
}

// DestroyAuthority schedules an authorized destruction.
func (d *Delta) DestroyAuthority(id string, prov contracts.Provenance) {
	d.add(Op{Kind: OpDestroyAuthority, AuthorityID: id, Provenance: &prov})
}

// RenewAuthority schedules a successor record for an existing authority.
func (d *Delta) RenewAuthority(predecessorID string, successor contracts.AuthorityRecord, prov contracts.Provenance) {
	successor.Predecessor = predecessorID
	d.add(Op{Kind: OpRenewAuthority, AuthorityID: predecessorID, Authority: &successor, Provenance: &prov})
}

// AdvanceEpoch schedules an epoch advance; expiry is epoch-driven.
func (d *Delta) AdvanceEpoch(epoch int64) {
	d.add(Op{Kind: OpAdvanceEpoch, Epoch: epoch})
}

// RegisterConflict schedules a new conflict record. The record's id must be
// the store's next sequential conflict id.
func (d *Delta) RegisterConflict(rec contracts.ConflictRecord) {
	d.add(Op{Kind: OpRegisterConflict, Conflict: &rec})
}

// ResolveConflict schedules an explicit resolution event.
func (d *Delta) ResolveConflict(id string, prov contracts.Provenance) {
	d.add(Op{Kind: OpResolveConflict, ConflictID: id, Provenance: &prov})
}

// RegisterGrant schedules a treaty grant registration.
func (d *Delta) RegisterGrant(g contracts.TreatyGrant) {
	d.add(Op{Kind: OpRegisterGrant, Grant: &g})
}

// QueueAmendment schedules a proposal into the pending set.
func (d *Delta) QueueAmendment(p contracts.PendingAmendment) {
	d.add(Op{Kind: OpQueueAmendment, Amendment: &p})
}

// AdoptAmendment schedules adoption: the proposal leaves the pending set
// and the active constitution hash is replaced.
func (d *Delta) AdoptAmendment(proposalID, newHash string) {
	d.add(Op{Kind: OpAdoptAmendment, ProposalID: proposalID, NewHash: newHash})
}

// DeclareDeadlock schedules the terminal deadlock flag.
func (d *Delta) DeclareDeadlock(cause string, conflictIDs []string) {
	d.add(Op{Kind: OpDeclareDeadlock, DeadlockCause: cause, ConflictIDs: conflictIDs})
}

// Apply validates the whole delta against the current state, then applies
// every op and advances the cycle index. On a validation error nothing is
// applied; the store is untouched.
func (s *Store) Apply(d *Delta) error {
	return s.apply(d, true)
}

// ApplyControl applies a delta without advancing the cycle index. The kernel
// uses it for control observations at cycle start, so their effects are
// visible to the gates; the cycle advances once, when the evaluation delta
// applies.
func (s *Store) ApplyControl(d *Delta) error {
	return s.apply(d, false)
}

func (s *Store) apply(d *Delta, advance bool) error {
	if err := s.validate(d); err != nil {
		return err
	}

	for i := range d.Ops {
		op := &d.Ops[i]
		switch op.Kind {
		case OpInjectAuthority:
			rec := *op.Authority
			s.authorities[rec.ID] = rec
			s.usedAuthorityIDs[rec.ID] = struct{}{}
		case OpDestroyAuthority:
			rec := s.authorities[op.AuthorityID]
			rec.Status = contracts.AuthorityVoid
			rec.Destroyed = op.Provenance
			s.authorities[op.AuthorityID] = rec
		case OpRenewAuthority:
			pred := s.authorities[op.AuthorityID]
			pred.Status = contracts.AuthorityExpired
			pred.Renewed = op.Provenance
			s.authorities[op.AuthorityID] = pred
			succ := *op.Authority
			s.authorities[succ.ID] = succ
			s.usedAuthorityIDs[succ.ID] = struct{}{}
		case OpAdvanceEpoch:
			s.epoch = op.Epoch
			for id, a := range s.authorities {
				if a.Status == contracts.AuthorityActive && a.ExpiryEpoch <= s.epoch {
					a.Status = contracts.AuthorityExpired
					a.Expired = &contracts.Provenance{Actor: "kernel", Epoch: s.epoch, Reason: "epoch expiry"}
					s.authorities[id] = a
				}
			}
		case OpRegisterConflict:
			rec := *op.Conflict
			s.conflicts[rec.ID] = rec
			s.conflictSeq++
			for _, aid := range rec.AuthorityIDs {
				a := s.authorities[aid]
				a.ConflictIDs = append(a.ConflictIDs, rec.ID)
				s.authorities[aid] = a
			}
		case OpResolveConflict:
			c := s.conflicts[op.ConflictID]
			c.Status = contracts.ConflictResolved
			c.Resolved = op.Provenance
			s.conflicts[op.ConflictID] = c
		case OpRegisterGrant:
			s.grants[op.Grant.ID] = *op.Grant
		case OpQueueAmendment:
			s.pending[op.Amendment.ProposalID] = *op.Amendment
		case OpAdoptAmendment:
			delete(s.pending, op.ProposalID)
			s.constitutionHash = op.NewHash
		case OpDeclareDeadlock:
			s.deadlock = true
			s.deadlockCause = op.DeadlockCause
		}
	}

	s.refreshConflictStatuses()

	// Deadlock clears only through an explicit resolution event.
	if s.deadlock && !s.hasOpenBinding() {
		for _, op := range d.Ops {
			if op.Kind == OpResolveConflict || op.Kind == OpDestroyAuthority {
				s.deadlock = false
				s.deadlockCause = ""
				break
			}
		}
	}

	if advance {
		s.cycle++
	}
	return nil
}

func (s *Store) validate(d *Delta) error {
	injected := make(map[string]struct{})
	localSeq := s.conflictSeq
	for i := range d.Ops {
		op := &d.Ops[i]
		switch op.Kind {
		case OpInjectAuthority, OpRenewAuthority:
			rec := op.Authority
			if rec.ID == "" {
				return fmt.Errorf("state: authority without id")
			}
			if _, used := s.usedAuthorityIDs[rec.ID]; used {
				return fmt.Errorf("state: authority id %q already used", rec.ID)
			}
			if _, dup := injected[rec.ID]; dup {
				return fmt.Errorf("state: authority id %q injected twice in one delta", rec.ID)
			}
			if rec.ExpiryEpoch <= rec.StartEpoch {
				return fmt.Errorf("state: authority %q expiry epoch must exceed start epoch", rec.ID)
			}
			injected[rec.ID] = struct{}{}
			if op.Kind == OpRenewAuthority {
				if _, ok := s.authorities[op.AuthorityID]; !ok {
					return fmt.Errorf("state: renewal predecessor %q not found", op.AuthorityID)
				}
			}
		case OpDestroyAuthority:
			if _, ok := s.authorities[op.AuthorityID]; !ok {
				return fmt.Errorf("state: destroy target %q not found", op.AuthorityID)
			}
		case OpRegisterConflict:
			want := fmt.Sprintf("conflict-%d", localSeq+1)
			if op.Conflict.ID != want {
				return fmt.Errorf("state: conflict id %q out of sequence (want %s)", op.Conflict.ID, want)
			}
			localSeq++
		case OpResolveConflict:
			c, ok := s.conflicts[op.ConflictID]
			if !ok {
				return fmt.Errorf("state: conflict %q not found", op.ConflictID)
			}
			if c.Status == contracts.ConflictResolved {
				return fmt.Errorf("state: conflict %q already resolved", op.ConflictID)
			}
		case OpQueueAmendment:
			if _, dup := s.pending[op.Amendment.ProposalID]; dup {
				return fmt.Errorf("state: proposal %q already pending", op.Amendment.ProposalID)
			}
		case OpAdoptAmendment:
			if _, ok := s.pending[op.ProposalID]; !ok {
				return fmt.Errorf("state: proposal %q not pending", op.ProposalID)
			}
		case OpAdvanceEpoch:
			if op.Epoch < s.epoch {
				return fmt.Errorf("state: epoch may not go backwards (%d < %d)", op.Epoch, s.epoch)
			}
		case OpRegisterGrant, OpDeclareDeadlock:
			// no structural preconditions
		default:
			return fmt.Errorf("state: unknown op kind %q", op.Kind)
		}
	}
	return nil
}
