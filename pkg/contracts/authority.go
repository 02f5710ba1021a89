package contracts

// AuthorityStatus is the lifecycle state of an authority record.
type AuthorityStatus string

const (
	AuthorityActive  AuthorityStatus = "ACTIVE"
	AuthorityExpired AuthorityStatus = "EXPIRED"
	AuthorityVoid    AuthorityStatus = "VOID"
)

// Provenance records who performed a lifecycle transition, when, and why.
type Provenance struct {
	Actor  string `json:"actor"`
	Epoch  int64  `json:"epoch"`
	Reason string `json:"reason,omitempty"`
}

// AuthorityRecord is a holder's standing claim to act within a scope.
// Ids are never reused, even after destruction. Exclusively owned by the
// entity store; only injection, epoch expiry, destruction, and renewal
// events produce new stored values.
type AuthorityRecord struct {
	ID                  string          `json:"id"`
	HolderID            string          `json:"holder_id"`
	Scope               []ScopeElement  `json:"scope"`
	Status              AuthorityStatus `json:"status"`
	StartEpoch          int64           `json:"start_epoch"`
	ExpiryEpoch         int64           `json:"expiry_epoch"`
	PermittedTransforms []string        `json:"permitted_transforms,omitempty"`
	ConflictIDs         []string        `json:"conflict_ids,omitempty"`

	// Predecessor links a renewal to the record it succeeds; empty for a
	// fresh injection.
	Predecessor string `json:"predecessor,omitempty"`

	Expired   *Provenance `json:"expired,omitempty"`
	Destroyed *Provenance `json:"destroyed,omitempty"`
	Renewed   *Provenance `json:"renewed,omitempty"`
}

// Covers reports whether the authority's scope contains the element.
func (a AuthorityRecord) Covers(el ScopeElement) bool {
	for _, s := range a.Scope {
		if s == el {
			return true
		}
	}
	return false
}

// ConflictStatus is the lifecycle state of a conflict record.
type ConflictStatus string

const (
	// ConflictOpenBinding: all participating authorities are ACTIVE.
	ConflictOpenBinding ConflictStatus = "OPEN_BINDING"
	// ConflictOpenNonbinding: at least one participant is non-ACTIVE.
	ConflictOpenNonbinding ConflictStatus = "OPEN_NONBINDING"
	ConflictResolved       ConflictStatus = "RESOLVED"
)

// ConflictRecord registers contested scope among overlapping authorities.
// Once registered it is never silently dropped; only an explicit resolution
// or destruction event closes it.
type ConflictRecord struct {
	ID            string         `json:"id"`
	EpochDetected int64          `json:"epoch_detected"`
	Contested     []ScopeElement `json:"contested"`
	AuthorityIDs  []string       `json:"authority_ids"`
	Status        ConflictStatus `json:"status"`
	Resolved      *Provenance    `json:"resolved,omitempty"`
}

// Touches reports whether the conflict contests the element.
func (c ConflictRecord) Touches(el ScopeElement) bool {
	for _, s := range c.Contested {
		if s == el {
			return true
		}
	}
	return false
}
