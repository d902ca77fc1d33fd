// Package node runs a single multi-VM ledger node.
//
// The Node ties together all components:
// - the state store (memory, badger or bolt)
// - the blockstore holding the chain and the transaction index
// - the sandbox runner, dispatcher and bootstrapper executing transactions
// - the builder turning the transaction pool into blocks
// - the viewer answering read-only calls
//
// ProduceBlock is the single writer. Views and account reads run
// concurrently against committed state.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/accounts"
	"github.com/fortiblox/multivm/pkg/blockstore"
	"github.com/fortiblox/multivm/pkg/bootstrap"
	"github.com/fortiblox/multivm/pkg/bridge"
	"github.com/fortiblox/multivm/pkg/builder"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/executor"
	"github.com/fortiblox/multivm/pkg/programs/system"
	"github.com/fortiblox/multivm/pkg/sandbox"
	"github.com/fortiblox/multivm/pkg/store"
)

// TopicBlockProduced is the event bus topic of produced blocks. Handlers
// receive a *types.Block.
const TopicBlockProduced = "block:produced"

// Node errors.
var (
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotRunning     = errors.New("node is not running")
	ErrClosed         = errors.New("node is closed")
	ErrConfigInvalid  = errors.New("invalid node configuration")
	ErrInitFailed     = errors.New("node initialization failed")

	// ErrDuplicateTransaction is returned by AddTx for a transaction that is
	// already pending.
	ErrDuplicateTransaction = errors.New("transaction already pending")

	// ErrPoolFull is returned by AddTx when MaxPending transactions wait.
	ErrPoolFull = fmt.Errorf("%w: transaction pool is full", types.ErrResourceExhaustion)

	// ErrWrongChain is returned by AddTx for an EVM transaction signed for
	// another chain.
	ErrWrongChain = fmt.Errorf("%w: evm transaction for another chain", types.ErrProtocolCorruption)
)

// Node is a single-node ledger.
type Node struct {
	config Config
	logger *zap.Logger

	state    store.Store
	blocks   *blockstore.Blockstore
	runner   *sandbox.Runner
	builder  *builder.Builder
	viewer   *executor.Viewer
	bus      evbus.Bus
	registry *prometheus.Registry
	metrics  *metrics

	// Transaction pool
	poolMu     sync.Mutex
	pending    []types.Transaction
	pendingSet map[types.Hash]struct{}

	produceMu sync.Mutex

	// Lifecycle
	running   atomic.Bool
	closed    atomic.Bool
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	server    *http.Server

	blocksProduced atomic.Uint64
	txsProcessed   atomic.Uint64

	lastError   error
	lastErrorMu sync.RWMutex
}

// New opens the stores, creates the genesis block if the chain is empty and
// returns a node ready to accept transactions. Periodic production starts
// with Start.
func New(config *Config) (*Node, error) {
	if config == nil {
		def := DefaultConfig()
		config = &def
	}
	cfg := *config
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		config:     cfg,
		logger:     logger.Named("node"),
		bus:        evbus.New(),
		registry:   cfg.Registry,
		pendingSet: make(map[types.Hash]struct{}),
	}
	if n.registry == nil {
		n.registry = prometheus.NewRegistry()
	}
	if err := n.initialize(); err != nil {
		_ = n.closeComponents()
		return nil, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	return n, nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Store == "" {
		cfg.Store = def.Store
	}
	if cfg.BlockInterval == 0 {
		cfg.BlockInterval = def.BlockInterval
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = def.ChainID
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
}

func (n *Node) initialize() error {
	var err error
	n.state, err = store.Open(storeConfig(n.config))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	n.blocks, err = blockstore.Open(n.state, blockstore.Config{Logger: n.logger})
	if err != nil {
		return fmt.Errorf("open blockstore: %w", err)
	}
	n.runner, err = sandbox.NewRunner(sandbox.Config{CacheSize: n.config.CacheSize, Logger: n.logger})
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}
	if n.metrics, err = newMetrics(n.registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	execCfg := executor.Config{Logger: n.logger}
	dispatcher := executor.NewDispatcher(n.runner, execCfg)
	n.builder = builder.New(n.state, n.blocks, bootstrap.New(dispatcher, bootstrap.Config{Logger: n.logger}), builder.Config{
		Clock:                 n.config.Clock,
		OnTransactionComplete: n.onTransactionComplete,
		Logger:                n.logger,
	})
	n.viewer = executor.NewViewer(n.runner, n.state, execCfg)

	genesis, err := n.ensureGenesis()
	if err != nil {
		return err
	}
	latest, err := n.blocks.Latest()
	if err != nil {
		return err
	}
	n.metrics.height.Set(float64(latest.Height))
	n.logger.Info("node initialized",
		zap.String("store", n.config.Store),
		zap.Uint64("height", latest.Height),
		zap.Stringer("genesis_root", genesis.PostRoot))
	return nil
}

func storeConfig(cfg Config) store.Config {
	sc := store.Config{Backend: cfg.Store, SyncWrites: cfg.SyncWrites}
	switch cfg.Store {
	case store.BackendBadger:
		sc.Path = filepath.Join(cfg.DataDir, "state")
	case store.BackendBolt:
		sc.Path = filepath.Join(cfg.DataDir, "state.db")
	}
	return sc
}

// ensureGenesis returns the stored genesis block, creating it with the
// system account and the configured accounts on an empty chain.
func (n *Node) ensureGenesis() (*types.Block, error) {
	if _, ok := n.blocks.LatestHeight(); ok {
		return n.blocks.GetBlock(0)
	}

	state := store.NewOverlay(n.state)
	defer state.Discard()
	dir := accounts.NewDirectory(accounts.StoreKV{Store: state})
	if _, err := dir.Create(accounts.CreateRequest{Handle: types.SystemHandle}); err != nil {
		return nil, fmt.Errorf("create system account: %w", err)
	}
	for _, g := range n.config.Genesis {
		pub, balance, err := g.decode()
		if err != nil {
			return nil, fmt.Errorf("genesis account %q: %w", g.Handle, err)
		}
		acc, err := dir.Create(accounts.CreateRequest{Handle: g.Handle, PublicKey: pub, Balance: *balance})
		if err != nil {
			return nil, fmt.Errorf("genesis account %q: %w", g.Handle, err)
		}
		n.logger.Info("genesis account",
			zap.String("handle", g.Handle),
			zap.Stringer("evm", acc.EvmAddress),
			zap.String("balance", acc.Balance.Dec()))
	}

	ts := n.config.GenesisTime
	if ts == 0 {
		ts = uint64(n.config.Clock().Unix())
	}
	return n.blocks.Genesis(state, ts)
}

// Start begins periodic block production. Blocks are produced every
// BlockInterval while transactions are pending. Start returns immediately.
func (n *Node) Start(ctx context.Context) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()

	if n.config.MetricsAddr != "" {
		n.server = metricsServer(n.config.MetricsAddr, n.registry)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.setLastError(fmt.Errorf("metrics server: %w", err))
				n.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	n.wg.Add(1)
	go n.productionLoop(ctx)

	n.logger.Info("node started",
		zap.Duration("block_interval", n.config.BlockInterval),
		zap.Bool("skip_proof", n.config.SkipProof),
		zap.String("metrics_addr", n.config.MetricsAddr))
	return nil
}

func (n *Node) productionLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.BlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.PendingCount() == 0 {
				continue
			}
			if _, err := n.ProduceBlock(ctx, n.config.SkipProof); err != nil {
				if ctx.Err() != nil {
					return
				}
				n.logger.Error("block production failed", zap.Error(err))
			}
		}
	}
}

// Stop halts periodic production and the metrics endpoint.
func (n *Node) Stop() error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	if n.cancel != nil {
		n.cancel()
	}

	var result *multierror.Error
	if n.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.server.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("shutdown metrics server: %w", err))
		}
		cancel()
		n.server = nil
	}
	n.wg.Wait()

	n.running.Store(false)
	n.logger.Info("node stopped", zap.Duration("uptime", time.Since(n.startTime)))
	return result.ErrorOrNil()
}

// Close stops the node if needed and releases every component.
func (n *Node) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	var result *multierror.Error
	if n.running.Load() {
		if err := n.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	// Wait for an in-flight block.
	n.produceMu.Lock()
	defer n.produceMu.Unlock()
	if err := n.closeComponents(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (n *Node) closeComponents() error {
	var result *multierror.Error
	if n.runner != nil {
		if err := n.runner.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close runner: %w", err))
		}
	}
	if n.blocks != nil {
		if err := n.blocks.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close blockstore: %w", err))
		}
	}
	if n.state != nil {
		if err := n.state.Flush(); err != nil {
			result = multierror.Append(result, fmt.Errorf("flush state: %w", err))
		}
		if err := n.state.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close state: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// AddTx checks tx and queues it for the next block. The checks are the ones
// that need no state: payload shape, signature recovery and, for EVM
// transactions, the chain id. Everything else is decided at execution.
func (n *Node) AddTx(tx types.Transaction) (types.Hash, error) {
	if n.closed.Load() {
		return types.Hash{}, ErrClosed
	}
	if err := tx.Validate(); err != nil {
		return types.Hash{}, err
	}
	switch tx.Kind {
	case types.TxNative:
		if _, err := codec.RecoverSigner(tx.Native); err != nil {
			return types.Hash{}, err
		}
	case types.TxEvm:
		etx, _, err := system.DecodeEvmTransaction(tx.Evm)
		if err != nil {
			return types.Hash{}, err
		}
		if etx.Protected() && etx.ChainId().Uint64() != n.config.ChainID {
			return types.Hash{}, fmt.Errorf("%w: chain id %s", ErrWrongChain, etx.ChainId())
		}
	}
	hash, err := codec.TxHash(&tx)
	if err != nil {
		return types.Hash{}, err
	}

	n.poolMu.Lock()
	defer n.poolMu.Unlock()
	if _, dup := n.pendingSet[hash]; dup {
		return hash, ErrDuplicateTransaction
	}
	if len(n.pending) >= n.config.MaxPending {
		return hash, ErrPoolFull
	}
	n.pending = append(n.pending, tx)
	n.pendingSet[hash] = struct{}{}
	n.metrics.pending.Set(float64(len(n.pending)))

	n.logger.Debug("transaction queued", zap.Stringer("tx", hash), zap.Stringer("kind", tx.Kind))
	return hash, nil
}

// PendingCount returns the number of queued transactions.
func (n *Node) PendingCount() int {
	n.poolMu.Lock()
	defer n.poolMu.Unlock()
	return len(n.pending)
}

func (n *Node) drain() []types.Transaction {
	n.poolMu.Lock()
	defer n.poolMu.Unlock()
	batch := n.pending
	n.pending = nil
	n.pendingSet = make(map[types.Hash]struct{})
	n.metrics.pending.Set(0)
	return batch
}

// requeue puts batch back in front of the pool after a production failure.
func (n *Node) requeue(batch []types.Transaction) {
	n.poolMu.Lock()
	defer n.poolMu.Unlock()
	merged := make([]types.Transaction, 0, len(batch)+len(n.pending))
	set := make(map[types.Hash]struct{}, cap(merged))
	for _, txs := range [][]types.Transaction{batch, n.pending} {
		for i := range txs {
			hash, err := codec.TxHash(&txs[i])
			if err != nil {
				continue
			}
			if _, dup := set[hash]; dup {
				continue
			}
			set[hash] = struct{}{}
			merged = append(merged, txs[i])
		}
	}
	n.pending = merged
	n.pendingSet = set
	n.metrics.pending.Set(float64(len(merged)))
}

// ProduceBlock executes every pending transaction into a new block and
// publishes it. If production fails the transactions go back to the pool.
func (n *Node) ProduceBlock(ctx context.Context, skipProof bool) (*types.Block, error) {
	n.produceMu.Lock()
	defer n.produceMu.Unlock()
	if n.closed.Load() {
		return nil, ErrClosed
	}

	batch := n.drain()
	start := time.Now()
	block, err := n.builder.Produce(ctx, batch, skipProof)
	if err != nil {
		n.requeue(batch)
		n.setLastError(err)
		return nil, fmt.Errorf("produce block: %w", err)
	}
	elapsed := time.Since(start)

	n.blocksProduced.Add(1)
	n.metrics.observeBlock(block, elapsed)
	n.bus.Publish(TopicBlockProduced, block)
	return block, nil
}

func (n *Node) onTransactionComplete(hash types.Hash, tx *types.Transaction, _ *executor.Outcome, err error) {
	n.txsProcessed.Add(1)
	if err != nil {
		n.logger.Debug("transaction failed", zap.Stringer("tx", hash), zap.Stringer("kind", tx.Kind), zap.Error(err))
	}
}

// SubscribeBlocks registers fn for every produced block. Handlers run
// synchronously on the producing goroutine. The returned function removes
// the subscription.
func (n *Node) SubscribeBlocks(fn func(*types.Block)) (func(), error) {
	if err := n.bus.Subscribe(TopicBlockProduced, fn); err != nil {
		return nil, err
	}
	return func() { _ = n.bus.Unsubscribe(TopicBlockProduced, fn) }, nil
}

// LatestBlock returns the head of the chain.
func (n *Node) LatestBlock() (*types.Block, error) {
	return n.blocks.Latest()
}

// BlockByHeight returns the block at height h.
func (n *Node) BlockByHeight(h uint64) (*types.Block, error) {
	return n.blocks.GetBlock(h)
}

// TxHeight returns the height of the block that included the transaction.
func (n *Node) TxHeight(hash types.Hash) (uint64, error) {
	return n.blocks.TxHeight(hash)
}

// AccountInfo resolves id against committed state.
func (n *Node) AccountInfo(id types.AccountID) (*accounts.Account, error) {
	return accounts.NewDirectory(accounts.StoreKV{Store: n.state}).Resolve(id)
}

// AccountRawStorage reads one raw storage slot of an account. The second
// result is false when the slot is empty.
func (n *Node) AccountRawStorage(id types.AccountID, key []byte) ([]byte, bool, error) {
	acc, err := n.AccountInfo(id)
	if err != nil {
		return nil, false, err
	}
	v, err := n.state.Get(bridge.ScopeOf(acc).Key(key))
	if store.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// ContractView runs a read-only call against committed state. A view with a
// zero environment runs at the latest block.
func (n *Node) ContractView(ctx context.Context, view executor.View) (types.Result, error) {
	if view.Env == (types.Environment{}) {
		latest, err := n.blocks.Latest()
		if err != nil {
			return types.Result{}, err
		}
		view.Env = types.Environment{BlockHeight: latest.Height, Timestamp: latest.Timestamp}
	}
	if view.Native != nil && view.Native.Env == (types.Environment{}) {
		native := *view.Native
		native.Env = view.Env
		view.Native = &native
	}
	return n.viewer.View(ctx, view)
}

// Registry returns the registry holding the node metrics.
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// Status returns a snapshot of the node state.
func (n *Node) Status() *Status {
	s := &Status{
		IsRunning:      n.running.Load(),
		Pending:        n.PendingCount(),
		BlocksProduced: n.blocksProduced.Load(),
		TxsProcessed:   n.txsProcessed.Load(),
		LastError:      n.getLastError(),
	}
	if s.IsRunning {
		s.Uptime = time.Since(n.startTime)
	}
	if latest, err := n.blocks.Latest(); err == nil {
		s.Height = latest.Height
		s.Hash = latest.Hash
		s.StateRoot = latest.PostRoot
		s.Timestamp = latest.Timestamp
	}
	return s
}

// Status contains the current node status.
type Status struct {
	// Height is the latest persisted block height.
	Height uint64

	// Hash and StateRoot belong to the latest block.
	Hash      types.Hash
	StateRoot types.Hash
	Timestamp uint64

	// Pending is the number of queued transactions.
	Pending int

	IsRunning bool
	Uptime    time.Duration

	// BlocksProduced and TxsProcessed count since the node was created.
	BlocksProduced uint64
	TxsProcessed   uint64

	// LastError is the most recent production error.
	LastError error
}

func (n *Node) setLastError(err error) {
	n.lastErrorMu.Lock()
	n.lastError = err
	n.lastErrorMu.Unlock()
}

func (n *Node) getLastError() error {
	n.lastErrorMu.RLock()
	defer n.lastErrorMu.RUnlock()
	return n.lastError
}
