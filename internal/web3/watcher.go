package web3

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"QuorumLaunch/internal/settlement"
	"QuorumLaunch/pkg/logger"
)

// Launchpad contract event signatures. Topic 1 always carries the quorum
// identifier so every log can be routed without unpacking its data first.
var (
	topicQuorumCreated  = crypto.Keccak256Hash([]byte("QuorumCreated(bytes32,address[])"))
	topicQuorumVoted    = crypto.Keccak256Hash([]byte("QuorumVoted(bytes32,address)"))
	topicTokenLaunched  = crypto.Keccak256Hash([]byte("TokenLaunched(bytes32,address,string,string)"))
	topicTradeExecuted  = crypto.Keccak256Hash([]byte("TradeExecuted(bytes32,address,bool,uint256,uint256)"))
	topicTokenGraduated = crypto.Keccak256Hash([]byte("TokenGraduated(bytes32,uint256)"))
)

var (
	agentListArgs = abi.Arguments{{Type: mustABIType("address[]")}}
	launchArgs    = abi.Arguments{{Type: mustABIType("string")}, {Type: mustABIType("string")}}
	tradeArgs     = abi.Arguments{{Type: mustABIType("bool")}, {Type: mustABIType("uint256")}, {Type: mustABIType("uint256")}}
	graduatedArgs = abi.Arguments{{Type: mustABIType("uint256")}}
)

func mustABIType(name string) abi.Type {
	typ, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi type %s: %v", name, err))
	}
	return typ
}

// Watcher follows a launchpad contract on one chain and publishes decoded
// logs to the settlement feed. It backfills from the configured start block
// before attaching the live subscription, so restarts never lose events;
// the feed consumer deduplicates the overlap by idempotency key.
type Watcher struct {
	client   Client
	producer settlement.Producer
	contract common.Address
	start    uint64
	chain    string

	blockTimes map[uint64]int64
}

// NewWatcher constructs a watcher for a single chain.
func NewWatcher(chain string, client Client, producer settlement.Producer, contract string, startBlock uint64) *Watcher {
	return &Watcher{
		client:     client,
		producer:   producer,
		contract:   common.HexToAddress(contract),
		start:      startBlock,
		chain:      chain,
		blockTimes: make(map[uint64]int64),
	}
}

// Run backfills historical logs and then follows the live subscription
// until the context is cancelled or the subscription fails.
func (w *Watcher) Run(ctx context.Context) error {
	next, backfilled, err := w.backfill(ctx, w.start)
	if err != nil {
		return err
	}

	sub, err := w.client.SubscribeEvents(ctx, gethcore.FilterQuery{
		Addresses: []common.Address{w.contract},
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	// Logs emitted after the first filter returned but before the
	// subscription attached land in neither; filter that window again.
	// Overlap with the live stream is deduplicated by event id downstream.
	_, gap, err := w.backfill(ctx, next)
	if err != nil {
		return err
	}

	logger.L().Info("chain watcher started",
		slog.String("chain", w.chain),
		slog.String("contract", w.contract.Hex()),
		slog.Int("backfilled", backfilled+gap),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case entry := <-sub.Logs():
			w.forward(ctx, entry)
		}
	}
}

// backfill forwards historical logs starting at the given block and
// returns the first block the next pass should resume from.
func (w *Watcher) backfill(ctx context.Context, from uint64) (uint64, int, error) {
	logs, err := w.client.FilterEvents(ctx, gethcore.FilterQuery{
		Addresses: []common.Address{w.contract},
		FromBlock: new(big.Int).SetUint64(from),
	})
	if err != nil {
		return from, 0, err
	}
	next := from
	for _, entry := range logs {
		w.forward(ctx, entry)
		if entry.BlockNumber >= next {
			next = entry.BlockNumber + 1
		}
	}
	return next, len(logs), nil
}

func (w *Watcher) forward(ctx context.Context, entry coretypes.Log) {
	if entry.Removed {
		// Reorged-out log; the canonical replacement arrives separately.
		return
	}
	event, ok, err := w.decode(ctx, entry)
	if err != nil {
		logger.L().Warn("skipping undecodable log",
			slog.Any("error", err),
			slog.String("chain", w.chain),
			slog.String("tx_hash", entry.TxHash.Hex()),
		)
		return
	}
	if !ok {
		return
	}

	payload, err := settlement.Encode(event)
	if err != nil {
		logger.L().Warn("encoding settlement event failed", slog.Any("error", err), slog.String("event_id", event.ID))
		return
	}
	if err := w.producer.Publish(ctx, payload); err != nil {
		logger.L().Warn("publishing settlement event failed", slog.Any("error", err), slog.String("event_id", event.ID))
	}
}

// decode maps a contract log onto a settlement envelope. Logs with an
// unrecognized first topic come from unrelated contract events and are
// silently skipped.
func (w *Watcher) decode(ctx context.Context, entry coretypes.Log) (settlement.Event, bool, error) {
	if len(entry.Topics) < 2 {
		return settlement.Event{}, false, nil
	}

	event := settlement.Event{
		ID:          fmt.Sprintf("%s:%d", entry.TxHash.Hex(), entry.Index),
		QuorumID:    entry.Topics[1].Hex(),
		TxHash:      entry.TxHash.Hex(),
		BlockNumber: entry.BlockNumber,
		OccurredAt:  w.blockTime(ctx, entry.BlockNumber),
	}

	switch entry.Topics[0] {
	case topicQuorumCreated:
		values, err := agentListArgs.Unpack(entry.Data)
		if err != nil {
			return settlement.Event{}, false, fmt.Errorf("unpack QuorumCreated: %w", err)
		}
		addresses, ok := values[0].([]common.Address)
		if !ok {
			return settlement.Event{}, false, fmt.Errorf("unexpected QuorumCreated payload type %T", values[0])
		}
		agentIDs := make([]string, len(addresses))
		for i, addr := range addresses {
			agentIDs[i] = addr.Hex()
		}
		event.Kind = settlement.KindQuorumCreated
		event.QuorumCreated = &settlement.QuorumCreatedPayload{AgentIDs: agentIDs}

	case topicQuorumVoted:
		if len(entry.Topics) < 3 {
			return settlement.Event{}, false, fmt.Errorf("QuorumVoted log missing agent topic")
		}
		event.Kind = settlement.KindQuorumVoted
		event.QuorumVoted = &settlement.QuorumVotedPayload{
			AgentID: common.BytesToAddress(entry.Topics[2].Bytes()).Hex(),
		}

	case topicTokenLaunched:
		if len(entry.Topics) < 3 {
			return settlement.Event{}, false, fmt.Errorf("TokenLaunched log missing token topic")
		}
		values, err := launchArgs.Unpack(entry.Data)
		if err != nil {
			return settlement.Event{}, false, fmt.Errorf("unpack TokenLaunched: %w", err)
		}
		name, _ := values[0].(string)
		symbol, _ := values[1].(string)
		event.Kind = settlement.KindTokenLaunched
		event.TokenLaunched = &settlement.TokenLaunchedPayload{
			TokenAddress: common.BytesToAddress(entry.Topics[2].Bytes()).Hex(),
			TokenName:    name,
			TokenSymbol:  symbol,
		}

	case topicTradeExecuted:
		values, err := tradeArgs.Unpack(entry.Data)
		if err != nil {
			return settlement.Event{}, false, fmt.Errorf("unpack TradeExecuted: %w", err)
		}
		isBuy, _ := values[0].(bool)
		ethIn, _ := values[1].(*big.Int)
		tokenAmount, _ := values[2].(*big.Int)
		side := "sell"
		if isBuy {
			side = "buy"
		}
		event.Kind = settlement.KindTradeExecuted
		event.TradeExecuted = &settlement.TradeExecutedPayload{
			Side:        side,
			EthIn:       ethIn,
			TokenAmount: tokenAmount,
		}

	case topicTokenGraduated:
		values, err := graduatedArgs.Unpack(entry.Data)
		if err != nil {
			return settlement.Event{}, false, fmt.Errorf("unpack TokenGraduated: %w", err)
		}
		graduatedAt, _ := values[0].(*big.Int)
		event.Kind = settlement.KindTokenGraduated
		payload := &settlement.TokenGraduatedPayload{}
		if graduatedAt != nil {
			payload.GraduatedAt = graduatedAt.Int64()
		}
		event.TokenGraduated = payload

	default:
		return settlement.Event{}, false, nil
	}

	return event, true, nil
}

func (w *Watcher) blockTime(ctx context.Context, number uint64) int64 {
	if ts, ok := w.blockTimes[number]; ok {
		return ts
	}
	ts, err := w.client.BlockTime(ctx, number)
	if err != nil {
		logger.L().Debug("block timestamp lookup failed", slog.Any("error", err), slog.Uint64("block", number))
		return 0
	}
	if len(w.blockTimes) > 1024 {
		w.blockTimes = make(map[uint64]int64)
	}
	w.blockTimes[number] = ts
	return ts
}
