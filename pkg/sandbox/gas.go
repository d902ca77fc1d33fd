package sandbox

import (
	"fmt"

	"github.com/fortiblox/multivm/internal/types"
)

// Gas costs charged by the environment.
const (
	GasHostCall  uint64 = 100
	GasPerByte   uint64 = 1
	GasCrossCall uint64 = 1_000
	GasEvent     uint64 = 50
)

// GasMeter tracks gas against a fixed limit. Once a charge does not fit,
// usage is pinned at the limit and the meter stays exhausted.
type GasMeter struct {
	limit     uint64
	used      uint64
	exhausted bool
}

// NewGasMeter creates a meter with the given limit.
func NewGasMeter(limit uint64) *GasMeter {
	return &GasMeter{limit: limit}
}

// TryCharge charges amount if it fits and reports whether it did.
func (m *GasMeter) TryCharge(amount uint64) bool {
	if amount > m.limit || m.used > m.limit-amount {
		m.used = m.limit
		m.exhausted = true
		return false
	}
	m.used += amount
	return true
}

// Charge charges amount or fails with a resource exhaustion error.
func (m *GasMeter) Charge(amount uint64) error {
	if !m.TryCharge(amount) {
		return fmt.Errorf("%w: gas limit %d exceeded with charge of %d", types.ErrResourceExhaustion, m.limit, amount)
	}
	return nil
}

// Consume lets the meter drive the sBPF interpreter.
func (m *GasMeter) Consume(cost uint64) error {
	return m.Charge(cost)
}

// Used returns the gas spent so far.
func (m *GasMeter) Used() uint64 { return m.used }

// Limit returns the budget.
func (m *GasMeter) Limit() uint64 { return m.limit }

// Remaining returns the unspent budget.
func (m *GasMeter) Remaining() uint64 { return m.limit - m.used }

// Exhausted reports whether a charge has failed.
func (m *GasMeter) Exhausted() bool { return m.exhausted }
