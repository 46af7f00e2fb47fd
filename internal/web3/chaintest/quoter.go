package chaintest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/quote"
	"bbdfi/internal/web3"
	"bbdfi/internal/web3/contracts"
)

type rate struct {
	num, den    int64
	slippageBps int64
}

// Quoter is a quote.Provider whose call data is executed by the fake router.
type Quoter struct {
	mu       sync.Mutex
	router   common.Address
	rates    map[string]rate
	failures map[string]error
	requests []quote.Request

	// WithApproval attaches an approve(spender, amount) pre-approval call.
	WithApproval bool
	// ApprovalSpender overrides the approved spender; zero means the router.
	ApprovalSpender common.Address
	// OmitExpected leaves ExpectedDestinationAmount unset.
	OmitExpected bool
	// Reverting makes every returned swap call revert on execution.
	Reverting map[string]bool
}

var _ quote.Provider = (*Quoter)(nil)

// NewQuoter creates a quoter routing through router.
func NewQuoter(router common.Address) *Quoter {
	return &Quoter{
		router:    router,
		rates:     make(map[string]rate),
		failures:  make(map[string]error),
		Reverting: make(map[string]bool),
	}
}

// Router returns the router address used as call target.
func (q *Quoter) Router() common.Address { return q.router }

// SetRate quotes num/den destination minor units per source minor unit.
func (q *Quoter) SetRate(symbol string, num, den int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.rates[symbol]
	r.num, r.den = num, den
	q.rates[symbol] = r
}

// SetSlippage makes the executed output slippageBps below the quoted one.
func (q *Quoter) SetSlippage(symbol string, slippageBps int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.rates[symbol]
	r.slippageBps = slippageBps
	q.rates[symbol] = r
}

// Fail makes quotes for symbol return err.
func (q *Quoter) Fail(symbol string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures[symbol] = err
}

// Requests returns every quote request received, in order.
func (q *Quoter) Requests() []quote.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]quote.Request, len(q.requests))
	copy(out, q.requests)
	return out
}

// Quote implements quote.Provider.
func (q *Quoter) Quote(_ context.Context, req quote.Request) (*quote.SwapQuote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)

	symbol := req.Destination.Symbol
	if err, ok := q.failures[symbol]; ok {
		return nil, err
	}
	r, ok := q.rates[symbol]
	if !ok || r.den == 0 {
		return nil, xerrors.New(xerrors.CodeQuoteUnavailable, "no route")
	}

	expected := new(big.Int).Mul(req.Amount, big.NewInt(r.num))
	expected.Quo(expected, big.NewInt(r.den))
	actual := new(big.Int).Mul(expected, big.NewInt(10000-r.slippageBps))
	actual.Quo(actual, big.NewInt(10000))

	data := EncodeSwap(req.Source.Address, req.Amount, req.Destination.Address, actual)
	if q.Reverting[symbol] {
		data = RevertingSwap()
	}
	out := &quote.SwapQuote{
		Source:       req.Source,
		Destination:  req.Destination,
		SourceAmount: new(big.Int).Set(req.Amount),
		Call:         web3.CallRequest{To: q.router, Data: data, Value: new(big.Int)},
	}
	if !q.OmitExpected {
		out.ExpectedDestinationAmount = expected
	}
	if q.WithApproval {
		spender := q.router
		if q.ApprovalSpender != (common.Address{}) {
			spender = q.ApprovalSpender
		}
		approve, err := contracts.PackApprove(spender, req.Amount)
		if err != nil {
			return nil, err
		}
		out.Approval = &web3.CallRequest{To: req.Source.Address, Data: approve, Value: new(big.Int)}
	}
	return out, nil
}
