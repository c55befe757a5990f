package routing

import (
	"errors"
	"fmt"
)

// ErrNoRoute is returned when no call flow is bound to a destination
// number. Calls to unbound numbers are rejected before a session exists.
var ErrNoRoute = errors.New("no call flow bound to destination")

// Binding maps one destination number (DID) to a named call flow.
type Binding struct {
	DID      string `yaml:"did"`
	CallFlow string `yaml:"call_flow"`
}

// Table is the destination-number to call-flow lookup. It is built once at
// startup and read-only afterwards, so it is safe to share across sessions.
type Table struct {
	byDID map[string]string
}

// NewTable builds a routing table from bindings. Duplicate DIDs are an
// error: routing must be unambiguous.
func NewTable(bindings []Binding) (*Table, error) {
	byDID := make(map[string]string, len(bindings))
	for _, b := range bindings {
		if b.DID == "" {
			return nil, fmt.Errorf("routing binding with empty did")
		}
		if b.CallFlow == "" {
			return nil, fmt.Errorf("routing binding for %s with empty call_flow", b.DID)
		}
		if _, dup := byDID[b.DID]; dup {
			return nil, fmt.Errorf("duplicate routing binding for %s", b.DID)
		}
		byDID[b.DID] = b.CallFlow
	}
	return &Table{byDID: byDID}, nil
}

// Lookup resolves the call flow for a destination number.
func (t *Table) Lookup(did string) (string, error) {
	flow, ok := t.byDID[did]
	if !ok {
		return "", fmt.Errorf("lookup %s: %w", did, ErrNoRoute)
	}
	return flow, nil
}

// Size returns the number of bindings.
func (t *Table) Size() int {
	return len(t.byDID)
}
