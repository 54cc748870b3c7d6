package main

import (
	"context"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"depositflow/gateway"
)

// mustPaymentGateway picks the payment backend. The real provider adapter is
// deployed alongside the engine; without one the dev gateway keeps the state
// machines runnable, logging every movement instead of moving money.
func mustPaymentGateway() gateway.PaymentGateway {
	if dsn := os.Getenv("PAYMENT_PROVIDER_DSN"); dsn != "" {
		log.Fatalf("payment provider adapter not linked into this build, unset PAYMENT_PROVIDER_DSN")
	}
	log.Print("payment gateway: using dev backend, no money moves")
	return devPayments{}
}

type devPayments struct{}

func (devPayments) HoldInEscrow(_ context.Context, amount decimal.Decimal) (string, error) {
	ref := "dev-escrow-" + uuid.NewString()
	log.Printf("payments: hold %s in escrow as %s", amount, ref)
	return ref, nil
}

func (devPayments) Release(_ context.Context, escrowRef string, amount decimal.Decimal, destinationAccount string) (string, error) {
	ref := "dev-release-" + uuid.NewString()
	log.Printf("payments: release %s of %s to %s as %s", amount, escrowRef, destinationAccount, ref)
	return ref, nil
}

func (devPayments) Refund(_ context.Context, paymentRef string, amount decimal.Decimal) (string, error) {
	ref := "dev-refund-" + uuid.NewString()
	log.Printf("payments: refund %s of %s as %s", amount, paymentRef, ref)
	return ref, nil
}

func (devPayments) VerifyAccount(_ context.Context, accountID string) (gateway.AccountVerification, error) {
	log.Printf("payments: verify account %s", accountID)
	return gateway.AccountVerification{ChargesEnabled: true}, nil
}
