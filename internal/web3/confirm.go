package web3

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "bbdfi/internal/errors"
)

// ReceiptReader is the subset of Reader needed to await confirmations.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// WatchOptions bounds how a confirmation is awaited.
type WatchOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

const (
	defaultPollInterval = 2 * time.Second
	defaultTimeout      = 3 * time.Minute
)

// Confirmation is a pending confirmation of a submitted transaction. It
// resolves exactly once: with the receipt when the transaction was included
// successfully, or with TransactionReverted / TransactionTimedOut.
type Confirmation struct {
	hash    common.Hash
	done    chan struct{}
	once    sync.Once
	receipt *types.Receipt
	err     error
}

// Watch starts polling for the receipt of hash. Cancelling ctx stops the
// wait only; the transaction itself stays submitted and its outcome unknown.
func Watch(ctx context.Context, reader ReceiptReader, hash common.Hash, opts WatchOptions) *Confirmation {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	c := &Confirmation{hash: hash, done: make(chan struct{})}
	go c.poll(ctx, reader, opts)
	return c
}

// Resolved returns an already settled confirmation. Used when the outcome is
// known without polling, for example a submission that failed outright.
func Resolved(hash common.Hash, receipt *types.Receipt, err error) *Confirmation {
	c := &Confirmation{hash: hash, done: make(chan struct{})}
	c.resolve(receipt, err)
	return c
}

// Hash returns the transaction hash being watched.
func (c *Confirmation) Hash() common.Hash { return c.hash }

// Done is closed once the confirmation resolved.
func (c *Confirmation) Done() <-chan struct{} { return c.done }

// Wait blocks until the confirmation resolves or ctx is cancelled.
func (c *Confirmation) Wait(ctx context.Context) (*types.Receipt, error) {
	select {
	case <-c.done:
		return c.receipt, c.err
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeTransactionTimedOut, ctx.Err(), "等待交易确认被中断",
			xerrors.WithMetadata("tx_hash", c.hash.Hex()))
	}
}

func (c *Confirmation) resolve(receipt *types.Receipt, err error) {
	c.once.Do(func() {
		c.receipt = receipt
		c.err = err
		close(c.done)
	})
}

func (c *Confirmation) poll(ctx context.Context, reader ReceiptReader, opts WatchOptions) {
	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		// NotFound means not mined yet; other read errors keep polling until the timeout too.
		receipt, err := reader.TransactionReceipt(ctx, c.hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				c.resolve(receipt, xerrors.New(xerrors.CodeTransactionReverted, "交易执行被回滚",
					xerrors.WithMetadata("tx_hash", c.hash.Hex()),
					xerrors.WithMetadata("block", blockOf(receipt))))
				return
			}
			c.resolve(receipt, nil)
			return
		}

		select {
		case <-ctx.Done():
			c.resolve(nil, xerrors.Wrap(xerrors.CodeTransactionTimedOut, ctx.Err(), "等待交易确认被中断",
				xerrors.WithMetadata("tx_hash", c.hash.Hex())))
			return
		case <-deadline.C:
			c.resolve(nil, xerrors.New(xerrors.CodeTransactionTimedOut, "交易确认超时，状态未知",
				xerrors.WithMetadata("tx_hash", c.hash.Hex()),
				xerrors.WithMetadata("timeout", opts.Timeout.String())))
			return
		case <-ticker.C:
		}
	}
}

func blockOf(receipt *types.Receipt) string {
	if receipt == nil || receipt.BlockNumber == nil {
		return ""
	}
	return receipt.BlockNumber.String()
}
