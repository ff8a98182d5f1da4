package deposit

import (
	"context"
	"fmt"
	"strings"
)

// Provider re-checks the shape of a verified payment before any credit is
// minted. Signature verification happens upstream at the webhook edge; the
// provider's job here is amount and reference sanity, which for some rails
// involves a remote lookup and may block on network I/O.
type Provider interface {
	Name() string
	Verify(ctx context.Context, proof PaymentProof) error
}

// NewProvider selects a payment adapter by its configured name.
func NewProvider(name string) (Provider, error) {
	switch name {
	case "paddle":
		return &paddleProvider{}, nil
	case "nowpayments":
		return &nowPaymentsProvider{}, nil
	case "x402":
		return &x402Provider{}, nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", name)
	}
}

type paddleProvider struct{}

func (p *paddleProvider) Name() string { return "paddle" }

func (p *paddleProvider) Verify(_ context.Context, proof PaymentProof) error {
	if proof.AmountMicro <= 0 {
		return fmt.Errorf("%w: paddle amount must be positive, got %d", ErrValidation, proof.AmountMicro)
	}
	// Paddle transaction ids look like txn_<alnum>.
	if !strings.HasPrefix(proof.Reference, "txn_") {
		return fmt.Errorf("%w: malformed paddle transaction id %q", ErrValidation, proof.Reference)
	}
	return nil
}

type nowPaymentsProvider struct{}

func (p *nowPaymentsProvider) Name() string { return "nowpayments" }

func (p *nowPaymentsProvider) Verify(_ context.Context, proof PaymentProof) error {
	if proof.AmountMicro <= 0 {
		return fmt.Errorf("%w: nowpayments amount must be positive, got %d", ErrValidation, proof.AmountMicro)
	}
	if proof.Reference == "" {
		return fmt.Errorf("%w: missing nowpayments payment id", ErrValidation)
	}
	return nil
}

type x402Provider struct{}

func (p *x402Provider) Name() string { return "x402" }

func (p *x402Provider) Verify(_ context.Context, proof PaymentProof) error {
	if proof.AmountMicro <= 0 {
		return fmt.Errorf("%w: x402 amount must be positive, got %d", ErrValidation, proof.AmountMicro)
	}
	// Settlement references are 0x-prefixed transaction hashes.
	if !strings.HasPrefix(proof.Reference, "0x") || len(proof.Reference) < 10 {
		return fmt.Errorf("%w: malformed x402 settlement hash %q", ErrValidation, proof.Reference)
	}
	return nil
}
