// Package gas meters primitive kernel operations against a fixed per-cycle
// budget. Exhaustion is deterministic and fail-closed: the pipeline turns it
// into a BOUND_EXHAUSTED refusal instead of doing unbounded work, which is
// what keeps runaway recursive governance actions (infinite
// authority-creation chains and the like) from hanging the kernel.
package gas

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned by Charge once the cycle budget is spent.
var ErrExhausted = errors.New("gas: cycle budget exhausted")

// Op is a primitive operation class with a fixed cost.
type Op string

const (
	OpHash        Op = "hash"
	OpCompare     Op = "compare"
	OpLookup      Op = "lookup"
	OpStateUpdate Op = "state_update"
	OpLogWrite    Op = "log_write"
)

// Costs assigns a fixed price to each primitive operation.
type Costs struct {
	Hash        int64 `json:"hash"`
	Compare     int64 `json:"compare"`
	Lookup      int64 `json:"lookup"`
	StateUpdate int64 `json:"state_update"`
	LogWrite    int64 `json:"log_write"`
}

// DefaultCosts mirror the relative expense of the primitives: hashing
// dominates, comparisons and lookups are cheap.
func DefaultCosts() Costs {
	return Costs{Hash: 10, Compare: 1, Lookup: 1, StateUpdate: 5, LogWrite: 2}
}

func (c Costs) of(op Op) (int64, error) {
	switch op {
	case OpHash:
		return c.Hash, nil
	case OpCompare:
		return c.Compare, nil
	case OpLookup:
		return c.Lookup, nil
	case OpStateUpdate:
		return c.StateUpdate, nil
	case OpLogWrite:
		return c.LogWrite, nil
	default:
		return 0, fmt.Errorf("gas: unknown op %q", op)
	}
}

// Meter tracks spend for one cycle. Not safe for concurrent use; the kernel
// is single-threaded within a cycle by contract.
type Meter struct {
	costs     Costs
	budget    int64
	spent     int64
	exhausted bool
}

// NewMeter creates a meter for one cycle with the given budget.
func NewMeter(costs Costs, budget int64) *Meter {
	return &Meter{costs: costs, budget: budget}
}

// Charge debits n operations of the given class. Once the budget is
// exceeded the meter latches exhausted and every further charge fails, so
// partial progress before exhaustion is retained but nothing after it runs.
func (m *Meter) Charge(op Op, n int64) error {
	if m.exhausted {
		return ErrExhausted
	}
	cost, err := m.costs.of(op)
	if err != nil {
		return err
	}
	m.spent += cost * n
	if m.spent > m.budget {
		m.exhausted = true
		return ErrExhausted
	}
	return nil
}

// Spent returns the total debited so far.
func (m *Meter) Spent() int64 { return m.spent }

// Remaining returns the budget left; zero once exhausted.
func (m *Meter) Remaining() int64 {
	if m.spent >= m.budget {
		return 0
	}
	return m.budget - m.spent
}

// Exhausted reports whether the budget has been exceeded.
func (m *Meter) Exhausted() bool { return m.exhausted }
