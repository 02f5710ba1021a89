package contracts

// DecisionKind tags the decision union.
type DecisionKind string

const (
	DecisionAction             DecisionKind = "ACTION"
	DecisionRefuse             DecisionKind = "REFUSE"
	DecisionQueueAmendment     DecisionKind = "QUEUE_AMENDMENT"
	DecisionAdopt              DecisionKind = "ADOPT"
	DecisionExit               DecisionKind = "EXIT"
	DecisionConflictRegistered DecisionKind = "CONFLICT_REGISTERED"
	DecisionDeadlockDeclared   DecisionKind = "DEADLOCK_DECLARED"
)

// ReasonCode names why a candidate was refused or a replay failed. Refusals
// are expected, structured, and fully local; integrity codes are fatal to
// the run they occur in.
type ReasonCode string

// Admission rejections.
const (
	ReasonScopeCollapse         ReasonCode = "SCOPE_COLLAPSE"
	ReasonUniversalAuth         ReasonCode = "UNIVERSAL_AUTHORIZATION"
	ReasonWildcardMapping       ReasonCode = "WILDCARD_MAPPING"
	ReasonEnvelopeDegraded      ReasonCode = "ENVELOPE_DEGRADED"
	ReasonPhysicsClaim          ReasonCode = "PHYSICS_CLAIM_DETECTED"
	ReasonECKMissing            ReasonCode = "ECK_MISSING"
	ReasonAuthorityNotFound     ReasonCode = "AUTHORITY_NOT_FOUND"
	ReasonSignatureMissing      ReasonCode = "SIGNATURE_MISSING"
	ReasonSignatureInvalid      ReasonCode = "SIGNATURE_INVALID"
	ReasonGrantorNotConst       ReasonCode = "GRANTOR_NOT_CONSTITUTIONAL"
	ReasonGrantorLacksPerm      ReasonCode = "GRANTOR_LACKS_PERMISSION"
	ReasonNonrevocableGrant     ReasonCode = "NONREVOCABLE_GRANT"
	ReasonInvalidField          ReasonCode = "INVALID_FIELD"
)

// Runtime/state rejections.
const (
	ReasonConflictBlocks ReasonCode = "CONFLICT_BLOCKS"
	ReasonDeadlockState  ReasonCode = "DEADLOCK_STATE"
	ReasonBoundExhausted ReasonCode = "BOUND_EXHAUSTED"
)

// Integrity failures surfaced by the replay verifier.
const (
	ReasonVersionMismatch       ReasonCode = "VERSION_MISMATCH"
	ReasonConstitutionMismatch  ReasonCode = "CONSTITUTION_HASH_MISMATCH"
	ReasonStateHashDivergence   ReasonCode = "STATE_HASH_DIVERGENCE"
	ReasonDecisionDivergence    ReasonCode = "DECISION_DIVERGENCE"
	ReasonReconciliationGap     ReasonCode = "RECONCILIATION_GAP"
)

// Gate names, in pipeline order. The first failing gate determines the
// refusal reason.
const (
	GateSchema   = "schema"
	GateCitation = "citation"
	GateScope    = "scope_claim"
	GateConflict = "conflict"
	GateBudget   = "budget"
)

// ActionDecision carries the issued warrant and the originating bundle.
type ActionDecision struct {
	Warrant Warrant         `json:"warrant"`
	Bundle  CandidateBundle `json:"bundle"`
}

// Refusal carries the reason code and the gate that failed.
type Refusal struct {
	Code        ReasonCode `json:"code"`
	Gate        string     `json:"gate"`
	Detail      string     `json:"detail,omitempty"`
	CandidateID string     `json:"candidate_id,omitempty"`
	ConflictID  string     `json:"conflict_id,omitempty"`
	KernelState string     `json:"kernel_state,omitempty"`
}

// AmendmentQueued records a proposal entering the pending set.
type AmendmentQueued struct {
	ProposalID   string `json:"proposal_id"`
	PriorHash    string `json:"prior_hash"`
	ProposedHash string `json:"proposed_hash"`
	Cycle        int64  `json:"cycle"`
}

// Adoption records a pending amendment replacing the active ruleset.
type Adoption struct {
	ProposalID string `json:"proposal_id"`
	PriorHash  string `json:"prior_hash"`
	NewHash    string `json:"new_hash"`
}

// DeadlockInfo carries the cause of a declared deadlock.
type DeadlockInfo struct {
	Cause       string   `json:"cause"`
	ConflictIDs []string `json:"conflict_ids"`
}

// Decision is the tagged union emitted by the admission pipeline. Exactly
// one payload field matches the Kind; the rest are nil. Exhaustive switches
// over Kind are the intended consumption style.
type Decision struct {
	Kind  DecisionKind `json:"kind"`
	Cycle int64        `json:"cycle"`

	Action    *ActionDecision  `json:"action,omitempty"`
	Refusal   *Refusal         `json:"refusal,omitempty"`
	Queued    *AmendmentQueued `json:"queued,omitempty"`
	Adoption  *Adoption        `json:"adoption,omitempty"`
	Conflict  *ConflictRecord  `json:"conflict,omitempty"`
	Deadlock  *DeadlockInfo    `json:"deadlock,omitempty"`
}

// WarrantID returns the warrant id for ACTION decisions, "" otherwise.
func (d Decision) WarrantID() string {
	if d.Kind == DecisionAction && d.Action != nil {
		return d.Action.Warrant.ID
	}
	return ""
}

// AdmissionRecord is one gate evaluation in the admission trace.
type AdmissionRecord struct {
	Cycle       int64      `json:"cycle"`
	CandidateID string     `json:"candidate_id"`
	Gate        string     `json:"gate"`
	Passed      bool       `json:"passed"`
	Code        ReasonCode `json:"code,omitempty"`
	Detail      string     `json:"detail,omitempty"`
}

// SelectorRecord is the terminal decision summary for a cycle.
type SelectorRecord struct {
	Cycle      int64        `json:"cycle"`
	Kind       DecisionKind `json:"kind"`
	WarrantID  string       `json:"warrant_id,omitempty"`
	Code       ReasonCode   `json:"code,omitempty"`
	ConflictID string       `json:"conflict_id,omitempty"`
	ProposalID string       `json:"proposal_id,omitempty"`
}

// OutboxRecord queues a warrant id for execution.
type OutboxRecord struct {
	Cycle     int64  `json:"cycle"`
	WarrantID string `json:"warrant_id"`
}

// ReconciliationRecord marks an outbox warrant as accounted for in the
// execution trace.
type ReconciliationRecord struct {
	Cycle     int64           `json:"cycle"`
	WarrantID string          `json:"warrant_id"`
	Status    ExecutionStatus `json:"execution_status"`
}
