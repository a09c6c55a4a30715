// Package http carries the x402 negotiation over HTTP: a gateway middleware
// that answers 402 with the payment terms, and a client that settles out of
// band and retries once.
package http

// Header names of the negotiation.
const (
	HeaderPaymentTxID      = "X-Payment-TxId"
	HeaderPaymentAmount    = "X-Payment-Amount"
	HeaderPaymentRecipient = "X-Payment-Recipient"
	HeaderPaymentNetwork   = "X-Payment-Network"
	HeaderPaymentAsset     = "X-Payment-Asset"
	HeaderPaymentPayer     = "X-Payment-Payer"
)

// ExposedHeaders lists the headers browsers must be allowed to read (CORS).
var ExposedHeaders = []string{
	HeaderPaymentAmount,
	HeaderPaymentRecipient,
	HeaderPaymentNetwork,
	HeaderPaymentAsset,
	HeaderPaymentPayer,
}

// SettlementPath is appended to the client's base URL to trigger settlement.
const SettlementPath = "/demo/run"
