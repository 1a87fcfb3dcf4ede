// Package web3 houses blockchain connectivity for the settlement feed,
// including RPC clients, log subscriptions with historical backfill, and
// multi-chain configuration helpers. It lets the reconciler consume
// launchpad contract events from EVM compatible networks such as
// Ethereum, BSC, and Polygon through a uniform interface.
package web3
