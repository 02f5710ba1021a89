// Package contracts defines the record types exchanged between the warden
// kernel and its collaborators: observations in, decisions and warrants out.
//
// Every type here is an immutable value once constructed. Status changes are
// applied by the entity store as state deltas that produce a new stored
// value, never by in-place mutation.
package contracts

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ScopeElement is a (resource, operation) pair that authority and action
// claims are defined over.
type ScopeElement struct {
	Resource  string `json:"resource"`
	Operation string `json:"operation"`
}

// Key returns the canonical index key for the element.
func (s ScopeElement) Key() string {
	return s.Resource + ":" + s.Operation
}

// SortScope orders scope elements by their canonical key. All scope sets fed
// to the canonical encoder go through this first.
func SortScope(scope []ScopeElement) []ScopeElement {
	out := make([]ScopeElement, len(scope))
	copy(out, scope)
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// ObservationKind categorizes an observation.
type ObservationKind string

// Observation kind constants. The authority.* and conflict.* kinds are
// control observations: the kernel applies them at cycle start so that the
// logged observation stream is closed under replay.
const (
	ObsTimestamp        ObservationKind = "timestamp"
	ObsUserInput        ObservationKind = "user-input"
	ObsSystem           ObservationKind = "system"
	ObsBudget           ObservationKind = "budget"
	ObsEpoch            ObservationKind = "epoch"
	ObsAuthorityInject  ObservationKind = "authority.inject"
	ObsAuthorityDestroy ObservationKind = "authority.destroy"
	ObsAuthorityRenew   ObservationKind = "authority.renew"
	ObsConflictResolve  ObservationKind = "conflict.resolve"
	ObsTreatyGrant      ObservationKind = "treaty.grant"
)

// IsControl reports whether the kind mutates kernel entities at cycle start.
func (k ObservationKind) IsControl() bool {
	return k == ObsEpoch || k == ObsConflictResolve || k == ObsTreatyGrant ||
		strings.HasPrefix(string(k), "authority.")
}

// Observation is an immutable input record, consumed at most within the
// cycle that created it.
type Observation struct {
	ID        string          `json:"id"`
	Kind      ObservationKind `json:"kind"`
	Author    string          `json:"author"`
	Payload   map[string]any  `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SortObservations orders a cycle batch by the canonical ordering key
// (kind, id), independent of submission order.
func SortObservations(obs []Observation) []Observation {
	out := make([]Observation, len(obs))
	copy(out, obs)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Origin distinguishes native candidates from treaty-delegated ones.
type Origin string

const (
	OriginNative    Origin = "native"
	OriginDelegated Origin = "delegated"
)

// Rank returns the total-order rank of the origin: native before delegated.
func (o Origin) Rank() int {
	if o == OriginDelegated {
		return 1
	}
	return 0
}

// ActionRequest is the action portion of a candidate bundle.
type ActionRequest struct {
	Type   string         `json:"type"`
	Author string         `json:"author"`
	Scope  []ScopeElement `json:"scope,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// ScopeClaim ties a candidate's claimed scope to the observations that
// justify it and the constitutional clause it relies on.
type ScopeClaim struct {
	ObservationIDs []string `json:"observation_ids"`
	Claim          string   `json:"claim"`
	ClauseRef      string   `json:"clause_ref,omitempty"`
}

// AuthorityCitation references a clause of the active constitution.
type AuthorityCitation struct {
	ClauseID string `json:"clause_id"`
}

// CandidateBundle is a proposed action plus its authority case. Bundles are
// never self-authorizing; admission is decided entirely by the pipeline.
type CandidateBundle struct {
	ID            string              `json:"id"`
	Origin        Origin              `json:"origin"`
	Action        ActionRequest       `json:"action"`
	ScopeClaim    *ScopeClaim         `json:"scope_claim,omitempty"`
	Justification string              `json:"justification,omitempty"`
	Citations     []AuthorityCitation `json:"citations,omitempty"`

	// Delegated-path fields: the grant the bundle executes under and the
	// EdDSA token proving the grantor signed it.
	GrantID    string `json:"grant_id,omitempty"`
	GrantToken string `json:"grant_token,omitempty"`

	// Amendment-path field: proposed constitution document (YAML source).
	ProposedConstitution string `json:"proposed_constitution,omitempty"`
}

// SortCandidates orders a cycle batch by (origin rank, id) so the same
// logical batch always evaluates in the same sequence.
func SortCandidates(bundles []CandidateBundle) []CandidateBundle {
	out := make([]CandidateBundle, len(bundles))
	copy(out, bundles)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Origin.Rank() != out[j].Origin.Rank() {
			return out[i].Origin.Rank() < out[j].Origin.Rank()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Well-known action types the pipeline gives special routing.
const (
	ActionAmendConstitution = "amend_constitution"
	ActionExit              = "exit"
	ActionDeclareDeadlock   = "declare_deadlock"
)

// Warrant is a kernel-issued, unforgeable permission for a specific action.
// Only the admission pipeline constructs warrants; ids are content-hash
// derived so replay reproduces them exactly.
type Warrant struct {
	ID         string         `json:"warrant_id"`
	ActionType string         `json:"action_type"`
	Scope      []ScopeElement `json:"scope,omitempty"`
	Origin     Origin         `json:"origin"`
	Cycle      int64          `json:"cycle"`
}

// SortWarrants applies the observable total order (origin_rank asc,
// warrant_id asc) to warrants issued within one cycle.
func SortWarrants(ws []Warrant) []Warrant {
	out := make([]Warrant, len(ws))
	copy(out, ws)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Origin.Rank() != out[j].Origin.Rank() {
			return out[i].Origin.Rank() < out[j].Origin.Rank()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ExecutionStatus is the outcome of executing a warrant.
type ExecutionStatus string

const (
	ExecSuccess  ExecutionStatus = "SUCCESS"
	ExecFailure  ExecutionStatus = "FAILURE"
	ExecNoAction ExecutionStatus = "NO_ACTION"
)

// ExecutionRecord is produced by the executor collaborator after a cycle.
type ExecutionRecord struct {
	Cycle     int64           `json:"cycle"`
	WarrantID string          `json:"warrant_id,omitempty"`
	Status    ExecutionStatus `json:"execution_status"`
	Detail    string          `json:"detail,omitempty"`
}

// TreatyGrant registers a delegated authority channel: the grantor clause it
// derives from, the ed25519 public key grants are signed with, and the
// action types it may cover. Nonrevocable grants are refused at admission.
type TreatyGrant struct {
	ID            string   `json:"id"`
	GrantorClause string   `json:"grantor_clause"`
	PublicKeyHex  string   `json:"public_key_hex"`
	Actions       []string `json:"actions"`
	Revocable     bool     `json:"revocable"`
	ExpiryEpoch   int64    `json:"expiry_epoch"`
}

// PendingAmendment is a queued constitution proposal awaiting its cooling
// period.
type PendingAmendment struct {
	ProposalID    string `json:"proposal_id"`
	ProposalCycle int64  `json:"proposal_cycle"`
	PriorHash     string `json:"prior_hash"`
	ProposedHash  string `json:"proposed_hash"`
	ProposedYAML  string `json:"proposed_yaml"`
}

// Ripe reports whether the proposal may be adopted at cycle c.
func (p PendingAmendment) Ripe(c, coolingPeriod int64) bool {
	return c >= p.ProposalCycle+coolingPeriod
}

func (p PendingAmendment) String() string {
	return fmt.Sprintf("amendment %s (cycle %d, %s -> %s)", p.ProposalID, p.ProposalCycle, p.PriorHash, p.ProposedHash)
}
