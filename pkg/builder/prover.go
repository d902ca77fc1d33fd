package builder

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/executor"
)

// ErrBadCertificate is returned when a certificate does not match its trace.
var ErrBadCertificate = errors.New("certificate does not match trace")

// Prover attaches a certificate to one invocation. Children are always
// proven before their parent, so a prover may fold child certificates into
// the parent's.
type Prover interface {
	Prove(o *executor.Outcome) ([]byte, error)
}

// TraceProver certifies a trace by hashing it together with the
// certificates of the invocation's children, in issue order. It attests to
// what ran, not that it ran correctly.
type TraceProver struct{}

// Prove implements Prover.
func (TraceProver) Prove(o *executor.Outcome) ([]byte, error) {
	trace, err := codec.Marshal(&o.Trace)
	if err != nil {
		return nil, fmt.Errorf("encode trace: %w", err)
	}
	h := blake3.New()
	_, _ = h.Write(trace)
	for _, c := range o.Children {
		if len(c.Certificate) == 0 {
			return nil, fmt.Errorf("child %s has no certificate", c.Call.Contract)
		}
		_, _ = h.Write(c.Certificate)
	}
	return h.Sum(nil), nil
}

// Verify recomputes the certificates of an outcome tree and compares them
// with the attached ones.
func (p TraceProver) Verify(o *executor.Outcome) error {
	return o.Walk(func(n *executor.Outcome) error {
		want, err := p.Prove(n)
		if err != nil {
			return err
		}
		if !bytes.Equal(want, n.Certificate) {
			return fmt.Errorf("%w: %s.%s", ErrBadCertificate, n.Call.Contract, n.Call.Call.Method)
		}
		return nil
	})
}

// prove certifies every invocation of the tree, children first.
func prove(p Prover, o *executor.Outcome) error {
	return o.Walk(func(n *executor.Outcome) error {
		cert, err := p.Prove(n)
		if err != nil {
			return err
		}
		n.Certificate = cert
		return nil
	})
}
