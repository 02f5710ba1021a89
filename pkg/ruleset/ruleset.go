// Package ruleset loads and indexes the active constitution: the versioned,
// hashed rule set the admission pipeline evaluates candidates against.
//
// A constitution is a YAML document of clauses (each granting a set of
// action types, optionally gated by a CEL condition), governance sections,
// an essential-constraint list (sections an amendment may never delete),
// monotonic ratchets, and an authorization matrix. The content hash is the
// canonical hash of the parsed document, so formatting changes do not
// change identity. The core treats a loaded ruleset as read-only per cycle.
package ruleset

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/arbiter-labs/warden/pkg/canon"
)

// Clause is one authority-granting provision.
type Clause struct {
	ID        string   `yaml:"id" json:"id"`
	Title     string   `yaml:"title" json:"title"`
	Grants    []string `yaml:"grants" json:"grants"`
	Condition string   `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Ratchets are monotonic governance parameters: an amendment may raise them
// but never reduce them.
type Ratchets struct {
	CoolingPeriodCycles    int64   `yaml:"cooling_period_cycles" json:"cooling_period_cycles"`
	AuthorizationThreshold float64 `yaml:"authorization_threshold" json:"authorization_threshold"`
}

// Document is the parsed constitution.
type Document struct {
	Version  string   `yaml:"version" json:"version"`
	Title    string   `yaml:"title" json:"title"`
	Sections []string `yaml:"sections" json:"sections"`
	Clauses  []Clause `yaml:"clauses" json:"clauses"`

	// ECK lists the governance sections an amendment must preserve.
	ECK []string `yaml:"eck" json:"eck"`

	// RequiredScopes lists action types that must carry a scope claim.
	RequiredScopes []string `yaml:"required_scopes" json:"required_scopes"`

	Ratchets Ratchets `yaml:"ratchets" json:"ratchets"`

	// Authorizations maps authority holder → permitted action types.
	// A "*" key or action entry is a wildcard mapping.
	Authorizations map[string][]string `yaml:"authorizations" json:"authorizations"`
}

// Ruleset is a loaded constitution with its content hash, citation index,
// and compiled clause conditions.
type Ruleset struct {
	Doc    Document
	Source string
	Hash   string

	clauses  map[string]Clause
	programs map[string]cel.Program
}

// CitationInput is the deterministic evaluation context for clause
// conditions.
type CitationInput struct {
	ActionType string
	Author     string
	Origin     string
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("action_type", cel.StringType),
		cel.Variable("author", cel.StringType),
		cel.Variable("origin", cel.StringType),
	)
}

// Parse builds a ruleset from YAML source. Clause conditions are compiled
// once here; a condition that does not compile to bool is a load error, not
// an admission-time surprise.
func Parse(source []byte) (*Ruleset, error) {
	var doc Document
	if err := yaml.Unmarshal(source, &doc); err != nil {
		return nil, fmt.Errorf("ruleset: parse: %w", err)
	}
	if len(doc.Clauses) == 0 {
		return nil, fmt.Errorf("ruleset: no clauses")
	}

	hash, err := canon.Hash(doc)
	if err != nil {
		return nil, fmt.Errorf("ruleset: hash: %w", err)
	}

	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("ruleset: cel env: %w", err)
	}

	rs := &Ruleset{
		Doc:      doc,
		Source:   string(source),
		Hash:     hash,
		clauses:  make(map[string]Clause, len(doc.Clauses)),
		programs: make(map[string]cel.Program),
	}

	for _, cl := range doc.Clauses {
		if cl.ID == "" {
			return nil, fmt.Errorf("ruleset: clause without id")
		}
		if _, dup := rs.clauses[cl.ID]; dup {
			return nil, fmt.Errorf("ruleset: duplicate clause id %q", cl.ID)
		}
		rs.clauses[cl.ID] = cl

		if cl.Condition == "" {
			continue
		}
		ast, issues := env.Compile(cl.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("ruleset: clause %s condition: %w", cl.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("ruleset: clause %s condition must evaluate to bool", cl.ID)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("ruleset: clause %s program: %w", cl.ID, err)
		}
		rs.programs[cl.ID] = prg
	}

	return rs, nil
}

// Load reads and parses a constitution file.
func Load(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ruleset: read %s: %w", path, err)
	}
	return Parse(data)
}

// Clause looks up a clause by id.
func (r *Ruleset) Clause(id string) (Clause, bool) {
	cl, ok := r.clauses[id]
	return cl, ok
}

// Authorizes reports whether the cited clause grants the action under the
// given input. A missing clause is (false, nil): absence is an admission
// outcome, not an error.
func (r *Ruleset) Authorizes(clauseID string, in CitationInput) (bool, error) {
	cl, ok := r.clauses[clauseID]
	if !ok {
		return false, nil
	}
	granted := false
	for _, g := range cl.Grants {
		if g == in.ActionType {
			granted = true
			break
		}
	}
	if !granted {
		return false, nil
	}
	prg, hasCond := r.programs[clauseID]
	if !hasCond {
		return true, nil
	}
	out, _, err := prg.Eval(map[string]any{
		"action_type": in.ActionType,
		"author":      in.Author,
		"origin":      in.Origin,
	})
	if err != nil {
		return false, fmt.Errorf("ruleset: clause %s eval: %w", clauseID, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ruleset: clause %s condition returned %T", clauseID, out.Value())
	}
	return allowed, nil
}

// CoolingPeriod returns the ratcheted cooling period, falling back to the
// supplied default when the document leaves it unset.
func (r *Ruleset) CoolingPeriod(fallback int64) int64 {
	if r.Doc.Ratchets.CoolingPeriodCycles > 0 {
		return r.Doc.Ratchets.CoolingPeriodCycles
	}
	return fallback
}

// Density computes the fill ratio of the authority × action authorization
// matrix. 1.0 means every authority is authorized for every action.
// Wildcard rows are excluded from the ratio; a wildcard mapping is its own
// refusal class, not a density contribution.
func (r *Ruleset) Density() float64 {
	auths := r.Doc.Authorizations

	actions := make(map[string]struct{})
	for _, list := range auths {
		for _, a := range list {
			if a != "*" {
				actions[a] = struct{}{}
			}
		}
	}
	for _, cl := range r.Doc.Clauses {
		for _, g := range cl.Grants {
			actions[g] = struct{}{}
		}
	}
	if len(actions) == 0 {
		return 0
	}

	filled, rows := 0, 0
	for holder, list := range auths {
		if holder == "*" {
			continue
		}
		row := make(map[string]struct{}, len(list))
		wildcard := false
		for _, a := range list {
			if a == "*" {
				wildcard = true
				break
			}
			row[a] = struct{}{}
		}
		if wildcard {
			continue
		}
		rows++
		for a := range actions {
			if _, ok := row[a]; ok {
				filled++
			}
		}
	}
	if rows == 0 {
		return 0
	}
	return float64(filled) / float64(rows*len(actions))
}

// HasWildcard reports whether the authorization matrix contains a wildcard
// authority or action mapping.
func (r *Ruleset) HasWildcard() bool {
	for holder, list := range r.Doc.Authorizations {
		if holder == "*" {
			return true
		}
		for _, a := range list {
			if a == "*" {
				return true
			}
		}
	}
	return false
}

// MissingECK returns the essential sections of the active constitution that
// the proposed document deleted.
func MissingECK(active, proposed *Ruleset) []string {
	have := make(map[string]struct{}, len(proposed.Doc.Sections))
	for _, s := range proposed.Doc.Sections {
		have[s] = struct{}{}
	}
	var missing []string
	for _, s := range active.Doc.ECK {
		if _, ok := have[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

// CollapsedScopes returns required-scope rules present in the active
// constitution but absent from the proposed one.
func CollapsedScopes(active, proposed *Ruleset) []string {
	have := make(map[string]struct{}, len(proposed.Doc.RequiredScopes))
	for _, s := range proposed.Doc.RequiredScopes {
		have[s] = struct{}{}
	}
	var lost []string
	for _, s := range active.Doc.RequiredScopes {
		if _, ok := have[s]; !ok {
			lost = append(lost, s)
		}
	}
	return lost
}

// DegradedRatchet reports the first monotonic ratchet the proposed document
// reduces, or "" if none.
func DegradedRatchet(active, proposed *Ruleset) string {
	if proposed.Doc.Ratchets.CoolingPeriodCycles < active.Doc.Ratchets.CoolingPeriodCycles {
		return "cooling_period_cycles"
	}
	if proposed.Doc.Ratchets.AuthorizationThreshold < active.Doc.Ratchets.AuthorizationThreshold {
		return "authorization_threshold"
	}
	return ""
}

// ContainsMarker scans the raw source for executable or physics-breaking
// content markers. Marker matching is case-insensitive on the raw document
// so encoding tricks inside string fields are still caught.
func (r *Ruleset) ContainsMarker(markers []string) (string, bool) {
	lower := strings.ToLower(r.Source)
	for _, m := range markers {
		if m == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(m)) {
			return m, true
		}
	}
	return "", false
}
