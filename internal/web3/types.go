package web3

import (
	"context"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// LogStream is a live feed of contract logs. It hides the go-ethereum
// event.Subscription so the watcher only deals with channels.
type LogStream struct {
	logs <-chan types.Log
	sub  gethevent.Subscription
}

// NewLogStream binds a log channel to its underlying subscription.
func NewLogStream(logs <-chan types.Log, sub gethevent.Subscription) *LogStream {
	return &LogStream{logs: logs, sub: sub}
}

// Logs returns the channel delivering contract logs.
func (s *LogStream) Logs() <-chan types.Log {
	return s.logs
}

// Err reports subscription failures, typically a dropped websocket.
func (s *LogStream) Err() <-chan error {
	if s == nil || s.sub == nil {
		return nil
	}
	return s.sub.Err()
}

// Close tears the subscription down.
func (s *LogStream) Close() {
	if s == nil || s.sub == nil {
		return
	}
	s.sub.Unsubscribe()
}

// Client defines the common interface that any chain implementation must
// provide so the settlement watcher can follow different networks uniformly.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	// FilterEvents returns historical logs matching the query, used to
	// backfill events emitted before the live subscription was attached.
	FilterEvents(ctx context.Context, query gethcore.FilterQuery) ([]types.Log, error)
	SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*LogStream, error)
	// BlockTime returns the Unix timestamp of the given block.
	BlockTime(ctx context.Context, number uint64) (int64, error)
	Close()
}
