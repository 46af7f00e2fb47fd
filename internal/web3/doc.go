// Package web3 holds the chain abstractions shared by the orchestration core:
// per-chain profiles loaded from configs/chain.yaml, the Chain client
// interface and the confirmation watcher used to await receipts.
package web3
