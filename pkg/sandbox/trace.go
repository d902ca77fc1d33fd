package sandbox

import "github.com/fortiblox/multivm/internal/types"

// TraceStep records one host callback crossing.
type TraceStep struct {
	Callback string     `cbor:"callback"`
	Request  types.Hash `cbor:"request"`
	Response types.Hash `cbor:"response"`
}

// Trace is the replayable record of a run: which image ran on which input,
// every callback it made and what it returned. Provers certify traces.
type Trace struct {
	Image   types.ImageID `cbor:"image"`
	Input   types.Hash    `cbor:"input"`
	Steps   []TraceStep   `cbor:"steps"`
	Output  types.Hash    `cbor:"output"`
	GasUsed uint64        `cbor:"gas_used"`
}
