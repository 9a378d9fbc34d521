package core

// Block executor: drives the cron schedule and the transaction list,
// composes the state delta, flushes it into the versioned Merkle tree, and
// emits the block outcome. Single-threaded and deterministic within one
// block; that is what makes state-machine replication possible.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/sirupsen/logrus"
)

// Column-family prefixes inside the shared database.
const (
	stateFamilyPrefix  = "s"
	merkleFamilyPrefix = "m"
)

// DefaultQueryGasLimit bounds node-side query cost.
const DefaultQueryGasLimit uint64 = 100_000_000

// App is the chain application: the object the consensus adapter drives.
type App struct {
	db      *BaseStore
	state   KVStore
	merkle  *MerkleTree
	vm      VM
	chainID string
	costs   GasCosts

	queryGasLimit uint64

	// Block in progress: set by FinalizeBlock, consumed by Commit.
	pending      Batch
	currentBlock *BlockInfo
}

// AppOption tweaks app construction.
type AppOption func(*App)

// WithQueryGasLimit overrides the node-side query gas budget.
func WithQueryGasLimit(limit uint64) AppOption {
	return func(a *App) { a.queryGasLimit = limit }
}

// WithGasCosts overrides the chain cost table.
func WithGasCosts(costs GasCosts) AppOption {
	return func(a *App) { a.costs = costs }
}

// NewApp wires an application over a database and a VM. Two logical column
// families share the database: "s" for live state, "m" for merkle nodes.
func NewApp(db dbm.DB, vm VM, chainID string, opts ...AppOption) *App {
	base := NewBaseStore(db)
	a := &App{
		db:            base,
		state:         NewPrefixStore(base, []byte(stateFamilyPrefix)),
		merkle:        NewMerkleTree(NewPrefixStore(base, []byte(merkleFamilyPrefix))),
		vm:            vm,
		chainID:       chainID,
		costs:         DefaultGasCosts(),
		queryGasLimit: DefaultQueryGasLimit,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ChainID returns the chain identifier the app was wired with.
func (a *App) ChainID() string { return a.chainID }

//---------------------------------------------------------------------
// InitChain
//---------------------------------------------------------------------

// InitChain executes the genesis state: saves configs, runs the genesis
// messages with a mock sender and no gas limit, flushes version 0 of the
// Merkle tree, and returns the genesis app hash.
func (a *App) InitChain(genesisTime Timestamp, genesis GenesisState) (Hash, error) {
	block := BlockInfo{
		Height:    GenesisBlockHeight,
		Timestamp: genesisTime,
		Hash:      GenesisBlockHash,
	}

	overlay := NewOverlay(a.state)
	if err := saveConfig(overlay, genesis.Config); err != nil {
		return Hash{}, err
	}
	for name, raw := range genesis.AppConfigs {
		if err := overlay.Write(appConfigKey(name), raw); err != nil {
			return Hash{}, err
		}
	}
	// Arm every genesis cronjob to fire from the first block on.
	for addr := range genesis.Config.Cronjobs {
		if err := saveNextCronTime(overlay, addr, genesisTime); err != nil {
			return Hash{}, err
		}
	}

	env := &appEnv{
		vm:      a.vm,
		costs:   a.costs,
		chainID: a.chainID,
		block:   block,
		gas:     NewUnlimitedGasTracker(),
		mode:    ModeExecute,
	}
	for i, msg := range genesis.Msgs {
		if err := msg.Validate(); err != nil {
			return Hash{}, fmt.Errorf("genesis msg %d: %w", i, err)
		}
		if _, err := env.processMsg(overlay, GenesisSender, msg); err != nil {
			return Hash{}, fmt.Errorf("genesis msg %d: %w", i, err)
		}
	}

	_, batch := overlay.Disassemble()
	if err := a.state.Flush(batch); err != nil {
		return Hash{}, err
	}
	appHash, err := a.merkle.Apply(GenesisBlockHeight, prefixBatch(batch, stateFamilyPrefix))
	if err != nil {
		return Hash{}, err
	}
	if err := saveLastFinalizedBlock(a.state, block); err != nil {
		return Hash{}, err
	}

	logrus.WithFields(logrus.Fields{
		"chain_id": a.chainID,
		"app_hash": appHash.Hex(),
	}).Info("initialized chain")
	return appHash, nil
}

// prefixBatch rebases a state batch onto full database keys, which is what
// the Merkle tree commits to: the same keys a proof consumer would ask for.
func prefixBatch(batch Batch, prefix string) Batch {
	out := NewBatch()
	for _, k := range batch.SortedKeys() {
		op, _ := batch.Get(k)
		pk := concatBytes([]byte(prefix), k)
		if op.Delete {
			out.Del(pk)
		} else {
			out.Put(pk, op.Value)
		}
	}
	return out
}

//---------------------------------------------------------------------
// Proposal hooks
//---------------------------------------------------------------------

// PrepareProposal selects transactions for a block proposal. The core does
// no reordering; it passes the mempool's ordering through.
func (a *App) PrepareProposal(txs []Tx) []Tx { return txs }

// ProcessProposal validates a proposed block statically. Structural checks
// only; execution happens in FinalizeBlock.
func (a *App) ProcessProposal(txs []Tx) error {
	for i := range txs {
		if err := txs[i].Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}
	return nil
}

//---------------------------------------------------------------------
// FinalizeBlock
//---------------------------------------------------------------------

// FinalizeBlock executes the cron schedule then the transaction list, and
// computes the block's app hash at version = block height. The state delta
// stays pending until Commit.
func (a *App) FinalizeBlock(block BlockInfo, txs []Tx) (*BlockOutcome, error) {
	if a.currentBlock != nil {
		return nil, fmt.Errorf("block %d not yet committed", a.currentBlock.Height)
	}

	overlay := NewOverlay(a.state)
	outcome := &BlockOutcome{
		CronOutcomes: []CronOutcome{},
		TxOutcomes:   []TxOutcome{},
	}

	// Cron jobs run before transactions, each on its own overlay with no
	// gas limit. One job failing does not abort another.
	cronOutcomes, err := a.runCronJobs(overlay, block)
	if err != nil {
		return nil, err
	}
	outcome.CronOutcomes = cronOutcomes

	for i, tx := range txs {
		if err := tx.Validate(); err != nil {
			// Malformed txs never reach the pipeline; nothing commits.
			outcome.TxOutcomes = append(outcome.TxOutcomes, TxOutcome{
				GasLimit: tx.GasLimit,
				Error:    err.Error(),
			})
			continue
		}
		env := &appEnv{
			vm:      a.vm,
			costs:   a.costs,
			chainID: a.chainID,
			block:   block,
			gas:     NewGasTracker(tx.GasLimit),
			mode:    ModeExecute,
		}
		txOutcome, rejected, err := env.processTx(overlay, tx)
		if err != nil {
			return nil, fmt.Errorf("tx %d: %w", i, err)
		}
		if rejected {
			// Fee withholding failed: the tx is excluded from the block
			// results and left no state behind.
			continue
		}
		outcome.TxOutcomes = append(outcome.TxOutcomes, txOutcome)
	}

	_, pending := overlay.Disassemble()
	appHash, err := a.merkle.Apply(block.Height, prefixBatch(pending, stateFamilyPrefix))
	if err != nil {
		return nil, err
	}
	outcome.AppHash = appHash

	a.pending = pending
	blockCopy := block
	a.currentBlock = &blockCopy

	logrus.WithFields(logrus.Fields{
		"height":   block.Height,
		"txs":      len(txs),
		"app_hash": appHash.Hex(),
	}).Info("finalized block")
	return outcome, nil
}

// runCronJobs fires every scheduled cron contract whose next firing time
// has arrived. Order is deterministic: ascending by contract address.
func (a *App) runCronJobs(overlay *Overlay, block BlockInfo) ([]CronOutcome, error) {
	cfg, err := loadConfig(overlay)
	if err != nil {
		// A chain with no config yet has no cron jobs either.
		return []CronOutcome{}, nil
	}

	contracts := make([]Address, 0, len(cfg.Cronjobs))
	for addr := range cfg.Cronjobs {
		contracts = append(contracts, addr)
	}
	sort.Slice(contracts, func(i, j int) bool {
		return bytes.Compare(contracts[i][:], contracts[j][:]) < 0
	})

	outcomes := []CronOutcome{}
	for _, contract := range contracts {
		interval := cfg.Cronjobs[contract]
		next, ok, err := loadNextCronTime(overlay, contract)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Configured outside the normal path; arm it and wait a round.
			if err := saveNextCronTime(overlay, contract, block.Timestamp+interval); err != nil {
				return nil, err
			}
			continue
		}
		if block.Timestamp < next {
			continue
		}

		gas := NewUnlimitedGasTracker()
		env := &appEnv{
			vm:      a.vm,
			costs:   a.costs,
			chainID: a.chainID,
			block:   block,
			gas:     gas,
			mode:    ModeExecute,
		}

		cronOverlay := NewOverlay(overlay)
		events, callErr := func() ([]Event, error) {
			resp, err := env.callWithResponse(cronOverlay, contract, EntryCronExecute, nil, nil)
			if err != nil {
				return nil, err
			}
			return env.handleResponse(cronOverlay, contract, newCronEvent(contract, resp.Attributes), resp)
		}()

		cronOutcome := CronOutcome{Contract: contract, GasUsed: gas.Used()}
		if callErr != nil {
			cronOverlay.Discard()
			cronOutcome.Error = callErr.Error()
			logrus.WithFields(logrus.Fields{
				"contract": contract.Hex(),
				"err":      callErr,
			}).Warn("cron job failed")
		} else {
			if err := cronOverlay.Commit(); err != nil {
				return nil, err
			}
			cronOutcome.Events = events
		}
		outcomes = append(outcomes, cronOutcome)

		if err := saveNextCronTime(overlay, contract, block.Timestamp+interval); err != nil {
			return nil, err
		}
	}
	return outcomes, nil
}

//---------------------------------------------------------------------
// Commit
//---------------------------------------------------------------------

// Commit persists the pending state delta of the finalized block into the
// base store and records the block as last finalized.
func (a *App) Commit() error {
	if a.currentBlock == nil {
		return fmt.Errorf("no finalized block to commit")
	}
	if err := a.state.Flush(a.pending); err != nil {
		return err
	}
	if err := saveLastFinalizedBlock(a.state, *a.currentBlock); err != nil {
		return err
	}
	logrus.WithField("height", a.currentBlock.Height).Info("committed state deltas")
	a.pending = NewBatch()
	a.currentBlock = nil
	return nil
}

//---------------------------------------------------------------------
// Queries
//---------------------------------------------------------------------

// Query serves an app-level query against the last finalized state, under
// the node's query gas limit. Historical state queries are answered by
// QueryStore with proofs; the app query path always reads latest.
func (a *App) Query(req QueryRequest) (json.RawMessage, error) {
	block, err := loadLastFinalizedBlock(a.state)
	if err != nil {
		return nil, err
	}
	gas := NewGasTracker(a.queryGasLimit)
	querier := NewQuerierProvider(a.vm, a.state, gas, a.costs, a.chainID, block)
	return querier.QueryChain(req, 0)
}

// SimulateTx runs a transaction through the pipeline in simulate mode (no
// fee bracket, unlimited gas) against a throwaway overlay, reporting the
// gas it would use.
func (a *App) SimulateTx(utx UnsignedTx) (TxOutcome, error) {
	block, err := loadLastFinalizedBlock(a.state)
	if err != nil {
		return TxOutcome{}, err
	}
	tx := Tx{Sender: utx.Sender, Msgs: utx.Msgs, Data: utx.Data}
	if err := tx.Validate(); err != nil {
		return TxOutcome{}, err
	}

	env := &appEnv{
		vm:      a.vm,
		costs:   a.costs,
		chainID: a.chainID,
		block:   block,
		gas:     NewUnlimitedGasTracker(),
		mode:    ModeSimulate,
	}
	overlay := NewOverlay(NewReadOnlyStore(a.state))
	outcome, _, err := env.processTx(overlay, tx)
	if err != nil {
		return TxOutcome{}, err
	}
	return outcome, nil
}

// QueryStore reads a raw key from the state family, optionally with a
// Merkle proof at the given version (0 = latest finalized height). The
// value is always read from the latest state; proofs for old versions
// verify only if the key has not changed since.
func (a *App) QueryStore(key []byte, version uint64, prove bool) ([]byte, *MerkleProof, error) {
	value, err := a.state.Read(key)
	if err != nil {
		return nil, nil, err
	}
	if !prove {
		return value, nil, nil
	}

	if version == 0 {
		block, err := loadLastFinalizedBlock(a.state)
		if err != nil {
			return nil, nil, err
		}
		version = block.Height
	}
	fullKey := concatBytes([]byte(stateFamilyPrefix), key)
	proof, err := a.merkle.Prove(version, Sha256Hash(fullKey))
	if err != nil {
		return nil, nil, err
	}
	return value, proof, nil
}

// StateProofKey returns the key hash a store proof commits to: the SHA-256
// of the full database key inside the state family.
func StateProofKey(key []byte) Hash {
	return Sha256Hash(concatBytes([]byte(stateFamilyPrefix), key))
}

// AppHash returns the Merkle root at the given version.
func (a *App) AppHash(version uint64) (Hash, error) {
	return a.merkle.RootHash(version)
}

// LastFinalizedBlock returns the most recently committed block info.
func (a *App) LastFinalizedBlock() (BlockInfo, error) {
	return loadLastFinalizedBlock(a.state)
}

// Prune drops Merkle tree versions up to the given height.
func (a *App) Prune(upTo uint64) error {
	return a.merkle.Prune(upTo)
}
