package executor

import (
	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/sandbox"
)

// Outcome is the transient result of one invocation: its trace, the
// commitment derived from it and the outcomes of the calls it issued, in
// issue order. Outcomes live only during block production.
type Outcome struct {
	Call       types.ContractCallContext
	Trace      sandbox.Trace
	Commitment types.Commitment
	GasUsed    uint64
	Children   []*Outcome

	// Certificate is attached by a prover; empty when proving is skipped.
	Certificate []byte
}

// Ok reports whether the invocation ended in a successful commitment.
func (o *Outcome) Ok() bool {
	return o.Commitment.Response.IsOk()
}

// Walk visits the children of o depth-first before o itself. Provers rely
// on this order to chain a parent's certificate over its children's.
func (o *Outcome) Walk(fn func(*Outcome) error) error {
	for _, c := range o.Children {
		if err := c.Walk(fn); err != nil {
			return err
		}
	}
	return fn(o)
}

// Count returns the number of invocations in the tree.
func (o *Outcome) Count() int {
	n := 1
	for _, c := range o.Children {
		n += c.Count()
	}
	return n
}

// Receipt flattens the outcome tree into its block-persisted form.
func (o *Outcome) Receipt() types.Receipt {
	r := types.Receipt{
		Call:        o.Call,
		CallHash:    o.Commitment.CallHash,
		Response:    o.Commitment.Response,
		GasUsed:     o.GasUsed,
		Events:      o.Commitment.Events,
		CrossCalls:  o.Commitment.CrossCalls,
		Certificate: o.Certificate,
		Children:    make([]types.Receipt, 0, len(o.Children)),
	}
	for _, c := range o.Children {
		r.Children = append(r.Children, c.Receipt())
	}
	return r
}
