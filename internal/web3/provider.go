package web3

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Network identifies a supported payment network.
type Network string

const (
	NetworkBase   Network = "base"
	NetworkSolana Network = "solana"
)

// SupportedNetworks lists the networks a wallet can be bound to.
func SupportedNetworks() []Network {
	return []Network{NetworkBase, NetworkSolana}
}

// ParseNetwork normalises a network name.
func ParseNetwork(name string) (Network, error) {
	switch Network(strings.ToLower(strings.TrimSpace(name))) {
	case NetworkBase:
		return NetworkBase, nil
	case NetworkSolana:
		return NetworkSolana, nil
	default:
		return "", fmt.Errorf("unsupported network %q (supported: base, solana)", name)
	}
}

// Family returns the chain family backing the network.
func (n Network) Family() string {
	if n == NetworkSolana {
		return "solana"
	}
	return "evm"
}

// Transfer is a single leg of a batch payment.
type Transfer struct {
	Recipient string
	Amount    decimal.Decimal
}

// Provider is implemented once per network. Amounts are denominated in
// USDC.
//
// BatchPayments does not fail for individual items: the returned slice
// matches the input positionally and failed legs carry a failure marker
// (see FailureMarker). An error is returned only when the batch as a whole
// could not be attempted. Callers must still honour any references returned
// alongside an error, since those legs were already submitted.
type Provider interface {
	Network() Network
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	SendPayment(ctx context.Context, key, recipient string, amount decimal.Decimal) (string, error)
	BatchPayments(ctx context.Context, key string, transfers []Transfer) ([]string, error)
	ValidateAddress(address string) error
	DeriveAddress(key string) (string, error)
	Close()
}

const failurePrefix = "FAILED"

// FailureMarker encodes a failed batch leg.
func FailureMarker(reason string) string {
	return failurePrefix + ": " + reason
}

// IsFailureMarker reports whether ref encodes a failed batch leg rather than
// a transaction reference.
func IsFailureMarker(ref string) bool {
	return strings.HasPrefix(ref, failurePrefix)
}

// ErrorKind classifies provider failures so callers never need to inspect
// error text.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindInsufficientFunds
	KindNetwork
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindNetwork:
		return "network"
	case KindRejected:
		return "rejected"
	default:
		return "other"
	}
}

// ProviderError is the only error type providers return for failed
// operations.
type ProviderError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError builds a ProviderError.
func NewError(kind ErrorKind, op string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Op: op, Err: err}
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind. Context cancellation and deadlines are
// reported as network failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	return KindOther
}

// USDCDecimals is the number of decimals used by USDC on every supported
// network.
const USDCDecimals = 6

// ToBaseUnits converts a USDC amount to integer base units, truncating any
// precision beyond six decimals.
func ToBaseUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(USDCDecimals).Truncate(0)
}

// FromBaseUnits converts integer base units to a USDC amount.
func FromBaseUnits(units decimal.Decimal) decimal.Decimal {
	return units.Shift(-USDCDecimals)
}
