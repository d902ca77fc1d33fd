package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/codec"
)

// Config configures a Runner.
type Config struct {
	// CacheSize bounds the number of compiled images kept in memory.
	CacheSize int
	Logger    *zap.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{CacheSize: 256}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive, got %d", c.CacheSize)
	}
	return nil
}

// Runner executes images. It is safe for concurrent use.
type Runner struct {
	logger  *zap.Logger
	cache   *lru.Cache[types.ImageID, any]
	engines map[Kind]engine
	wasm    *wasmEngine
	closed  atomic.Bool
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := lru.NewWithEvict[types.ImageID, any](cfg.CacheSize, func(_ types.ImageID, v any) {
		if cm, ok := v.(wazero.CompiledModule); ok {
			_ = cm.Close(context.Background())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create image cache: %w", err)
	}

	wasm, err := newWasmEngine(context.Background(), cache)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		logger: logger.Named("sandbox"),
		cache:  cache,
		wasm:   wasm,
	}
	r.engines = map[Kind]engine{
		KindBuiltin: builtinEngine{},
		KindWasm:    wasm,
		KindSBPF:    &sbpfEngine{cache: cache, logger: r.logger},
	}
	return r, nil
}

// Validate checks that image parses for its engine.
func (r *Runner) Validate(ctx context.Context, image []byte) error {
	eng, err := r.engine(image)
	if err != nil {
		return err
	}
	return eng.validate(ctx, codec.ImageID(image), image)
}

func (r *Runner) engine(image []byte) (engine, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	kind, err := Detect(image)
	if err != nil {
		return nil, err
	}
	return r.engines[kind], nil
}

// Run executes one invocation. Business failures come back inside the
// Session's Commitment; the returned error is reserved for infrastructure
// failures (protocol corruption, account resolution, host callback errors).
func (r *Runner) Run(ctx context.Context, req Request) (*Session, error) {
	eng, err := r.engine(req.Image)
	if err != nil {
		return nil, err
	}
	gas := req.Gas
	if gas == 0 {
		gas = types.DefaultGas
	}

	id := codec.ImageID(req.Image)
	env := newEnv(req, NewGasMeter(gas), r.logger)
	output, guestErr := eng.run(ctx, id, req.Image, env)
	if env.fatal != nil {
		return nil, env.fatal
	}

	result, err := classify(output, guestErr, env.gas)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		Output: result.Ok,
		Commitment: types.Commitment{
			CallHash:   codec.Hash(req.Input),
			Response:   result,
			CrossCalls: env.crossCalls,
			Events:     env.events,
		},
		GasUsed: env.gas.Used(),
	}
	sess.Trace = Trace{
		Image:   id,
		Input:   codec.Hash(req.Input),
		Steps:   env.steps,
		Output:  codec.ResponseHash(result),
		GasUsed: sess.GasUsed,
	}
	if result.Err != nil {
		r.logger.Debug("guest returned contract error",
			zap.Stringer("image", id),
			zap.String("code", string(result.Err.Code)),
			zap.String("message", result.Err.Message))
	}
	return sess, nil
}

// classify maps a guest's return onto the response slot. Errors that are not
// the guest's business (protocol corruption, account resolution) escape.
func classify(output []byte, guestErr error, gas *GasMeter) (types.Result, error) {
	if gas.Exhausted() {
		return types.ErrResult(types.NewContractError(types.CodeResourceExhaustion,
			"gas limit %d exhausted", gas.Limit())), nil
	}
	if guestErr == nil {
		return types.OkResult(output), nil
	}
	if ce, ok := types.AsContractError(guestErr); ok {
		return types.ErrResult(ce), nil
	}
	switch {
	case errors.Is(guestErr, types.ErrProtocolCorruption), errors.Is(guestErr, types.ErrAccountResolution):
		return types.Result{}, guestErr
	case errors.Is(guestErr, types.ErrResourceExhaustion):
		return types.ErrResult(types.NewContractError(types.CodeResourceExhaustion, "%v", guestErr)), nil
	default:
		return types.ErrResult(types.Abortf("%v", guestErr)), nil
	}
}

// Close releases compiled modules and the WebAssembly runtime.
func (r *Runner) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.cache.Purge()
	return r.wasm.close(context.Background())
}
