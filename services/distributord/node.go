package distributord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"batchsettle/config"
	"batchsettle/core/events"
	nativecommon "batchsettle/native/common"
	"batchsettle/native/distribution"
	"batchsettle/native/membership"
	"batchsettle/native/system/quotas"
	"batchsettle/state/assets"
	"batchsettle/storage"
)

// Node bundles the engine with the state it runs against.
type Node struct {
	DB      storage.Database
	World   *assets.World
	Ledger  *distribution.Ledger
	Members *membership.Registry
	Quotas  *quotas.Store
	Quota   nativecommon.Quota
	Engine  *distribution.Engine

	closers []func()
}

// NewNode opens storage and wires an engine from the node configuration.
// When EVMEndpoint is set, contract signatures are checked against the live
// chain instead of the validators registered in the world seed.
func NewNode(ctx context.Context, cfg *config.Config, emitter events.Emitter, logger *slog.Logger) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("node configuration required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	runtime, err := cfg.Distribution.Runtime()
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(cfg.StorageBackend, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	node := &Node{DB: db, closers: []func(){func() { _ = db.Close() }}}

	world, err := assets.LoadWorld(cfg.WorldSeedFile)
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("load world seed: %w", err)
	}
	node.World = world

	var caller distribution.ContractCaller = world
	if endpoint := strings.TrimSpace(cfg.EVMEndpoint); endpoint != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := ethclient.DialContext(dialCtx, endpoint)
		cancel()
		if err != nil {
			node.Close()
			return nil, fmt.Errorf("dial evm endpoint: %w", err)
		}
		node.closers = append(node.closers, client.Close)
		caller = client
		logger.Info("contract signatures verified on chain", slog.String("endpoint", endpoint))
	}

	node.Members = membership.NewRegistry(db)
	for _, member := range runtime.Members {
		if err := node.Members.Grant(member.Account, member.ExpiresAt); err != nil {
			node.Close()
			return nil, fmt.Errorf("grant membership %s: %w", member.Account.Hex(), err)
		}
	}
	node.Ledger = distribution.NewLedger(db)
	node.Quotas = quotas.NewStore(db)
	node.Quota = cfg.Quota.Limits()

	node.Engine = distribution.NewEngine(
		distribution.WithLedger(node.Ledger),
		distribution.WithBackends(world, world, world),
		distribution.WithVerifier(distribution.NewSignatureVerifier(caller)),
		distribution.WithMembership(node.Members),
		distribution.WithFees(distribution.FeeConfig{Fee: runtime.Fee, Treasury: runtime.Treasury}),
		distribution.WithVault(runtime.Vault),
		distribution.WithDomain(runtime.Domain),
		distribution.WithLogger(logger),
	)
	node.Engine.SetPauses(cfg.Pauses)
	if emitter != nil {
		node.Engine.SetEmitter(emitter)
	}
	return node, nil
}

// Close releases the node resources in reverse order.
func (n *Node) Close() {
	if n == nil {
		return
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}
