package types

// Result is the response slot of a Commitment: success bytes or a typed
// contract error. Err is nil on success.
type Result struct {
	Ok  []byte         `cbor:"ok,omitempty"`
	Err *ContractError `cbor:"err,omitempty"`
}

// OkResult wraps success bytes.
func OkResult(b []byte) Result {
	return Result{Ok: b}
}

// ErrResult wraps a contract error.
func ErrResult(err *ContractError) Result {
	return Result{Err: err}
}

// IsOk reports whether the result carries success bytes.
func (r Result) IsOk() bool {
	return r.Err == nil
}

// Unwrap returns the success bytes or the contract error.
func (r Result) Unwrap() ([]byte, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Ok, nil
}

// CrossCallHash audits one nested call: the hash of the serialized request
// and the hash of the callee's response.
type CrossCallHash struct {
	Request  Hash `cbor:"request"`
	Response Hash `cbor:"response"`
}

// Event is an opaque log entry emitted by a guest.
type Event struct {
	Emitter AccountID `cbor:"emitter"`
	Topic   string    `cbor:"topic"`
	Data    []byte    `cbor:"data"`
}

// Commitment summarizes one sandbox invocation. CrossCalls lists every nested
// call in issue order.
type Commitment struct {
	CallHash   Hash            `cbor:"call_hash"`
	Response   Result          `cbor:"response"`
	CrossCalls []CrossCallHash `cbor:"cross_calls"`
	Events     []Event         `cbor:"events"`
	PreRoot    *Hash           `cbor:"pre_root,omitempty"`
	PostRoot   *Hash           `cbor:"post_root,omitempty"`
}

// Receipt is the block-persisted record of one invocation and its nested
// calls. Receipts are immutable once built.
type Receipt struct {
	Call        ContractCallContext `cbor:"call"`
	CallHash    Hash                `cbor:"call_hash"`
	Response    Result              `cbor:"response"`
	GasUsed     uint64              `cbor:"gas_used"`
	Events      []Event             `cbor:"events"`
	CrossCalls  []CrossCallHash     `cbor:"cross_calls"`
	Certificate []byte              `cbor:"certificate,omitempty"`
	Children    []Receipt           `cbor:"children"`
}

// Walk visits r and its descendants depth-first, parents before children.
func (r *Receipt) Walk(fn func(depth int, r *Receipt)) {
	r.walk(0, fn)
}

func (r *Receipt) walk(depth int, fn func(int, *Receipt)) {
	fn(depth, r)
	for i := range r.Children {
		r.Children[i].walk(depth+1, fn)
	}
}
