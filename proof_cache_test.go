package x402

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"
)

func TestPaymentProof_Normalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ABCDEF", "0xabcdef"},
		{"0xABCDEF", "0xabcdef"},
		{"  0xabc  ", "0xabc"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := PaymentProof(tt.in).Normalize(); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPaymentProof_WellFormed(t *testing.T) {
	hex64 := "0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab"
	if !PaymentProof(hex64).WellFormed() {
		t.Error("expected bare 64-hex proof to be well formed")
	}
	if !PaymentProof("0x" + hex64).WellFormed() {
		t.Error("expected 0x-prefixed proof to be well formed")
	}
	if PaymentProof("0xabc").WellFormed() {
		t.Error("expected short proof to be rejected")
	}
	if PaymentProof("zz" + hex64[2:]).WellFormed() {
		t.Error("expected non-hex proof to be rejected")
	}
}

func TestProofCache_CheckAndMark_Consumed(t *testing.T) {
	cache := NewProofCache(0)
	key := "0xabc"

	status, done := cache.CheckAndMark(key)
	if status != StatusNotFound {
		t.Errorf("Expected StatusNotFound, got %v", status)
	}

	cache.Complete(key, done)

	status, _ = cache.CheckAndMark(key)
	if status != StatusConsumed {
		t.Errorf("Expected StatusConsumed, got %v", status)
	}
}

func TestProofCache_CheckAndMark_InFlight(t *testing.T) {
	cache := NewProofCache(0)
	key := "inflight-test"

	status1, done1 := cache.CheckAndMark(key)
	if status1 != StatusNotFound {
		t.Errorf("Expected StatusNotFound, got %v", status1)
	}

	status2, done2 := cache.CheckAndMark(key)
	if status2 != StatusInFlight {
		t.Errorf("Expected StatusInFlight, got %v", status2)
	}

	if done1 != done2 {
		t.Error("Expected same done channel for in-flight requests")
	}
}

func TestProofCache_Expiry(t *testing.T) {
	cache := NewProofCache(50 * time.Millisecond)
	key := "expiry-test"

	_, done := cache.CheckAndMark(key)
	cache.Complete(key, done)

	if status, _ := cache.CheckAndMark(key); status != StatusConsumed {
		t.Error("Expected StatusConsumed immediately after complete")
	}

	time.Sleep(60 * time.Millisecond)

	status, done := cache.CheckAndMark(key)
	if status != StatusNotFound {
		t.Errorf("Expected StatusNotFound after expiry, got %v", status)
	}
	cache.Fail(key, done)
}

func TestProofCache_Fail(t *testing.T) {
	cache := NewProofCache(0)
	key := "fail-test"

	_, done := cache.CheckAndMark(key)
	cache.Fail(key, done)

	status, done2 := cache.CheckAndMark(key)
	if status != StatusNotFound {
		t.Errorf("Expected StatusNotFound after fail (retry allowed), got %v", status)
	}
	cache.Fail(key, done2)
}

func TestProofCache_AtomicCheckAndMark(t *testing.T) {
	cache := NewProofCache(0)
	key := "atomic-test"

	var wg sync.WaitGroup
	notFoundCount := 0
	inFlightCount := 0
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _ := cache.CheckAndMark(key)
			mu.Lock()
			if status == StatusNotFound {
				notFoundCount++
			} else if status == StatusInFlight {
				inFlightCount++
			}
			mu.Unlock()
		}()
	}

	wg.Wait()

	if notFoundCount != 1 {
		t.Errorf("Expected exactly 1 NotFound, got %d", notFoundCount)
	}
	if inFlightCount != 9 {
		t.Errorf("Expected 9 InFlight, got %d", inFlightCount)
	}
}

func TestProofCache_ReserveNormalizes(t *testing.T) {
	cache := NewProofCache(0)
	ctx := context.Background()

	res, err := cache.Reserve(ctx, PaymentProof("ABCDEF"))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if _, err := cache.Reserve(ctx, PaymentProof("0xabcdef")); !errors.Is(err, ErrProofInFlight) {
		t.Errorf("Expected ErrProofInFlight for equivalent proof, got %v", err)
	}

	if err := res.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := cache.Reserve(ctx, PaymentProof("0XABCDEF")); !errors.Is(err, ErrProofConsumed) {
		t.Errorf("Expected ErrProofConsumed, got %v", err)
	}

	consumed, _ := cache.IsConsumed(ctx, PaymentProof("abcdef"))
	if !consumed {
		t.Error("Expected proof to be consumed")
	}
	if n, _ := cache.Count(ctx); n != 1 {
		t.Errorf("Expected count 1, got %d", n)
	}
}

func TestProofCache_ReleaseAllowsRetry(t *testing.T) {
	cache := NewProofCache(0)
	ctx := context.Background()

	res, err := cache.Reserve(ctx, PaymentProof("0x01"))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	_ = res.Release(ctx)
	// Commit after Release is a no-op.
	_ = res.Commit(ctx)

	if consumed, _ := cache.IsConsumed(ctx, PaymentProof("0x01")); consumed {
		t.Error("Released proof must not be consumed")
	}
	if _, err := cache.Reserve(ctx, PaymentProof("0x01")); err != nil {
		t.Errorf("Expected proof to be reservable again, got %v", err)
	}
}

func TestNewPaymentRequirement(t *testing.T) {
	if _, err := NewPaymentRequirement(nil, "ST1", NetworkStacksTestnet, ""); !errors.Is(err, ErrInvalidRequirement) {
		t.Errorf("Expected ErrInvalidRequirement for nil amount, got %v", err)
	}
	if _, err := NewPaymentRequirement(bigInt(1), "", NetworkStacksTestnet, ""); !errors.Is(err, ErrInvalidRequirement) {
		t.Errorf("Expected ErrInvalidRequirement for empty recipient, got %v", err)
	}

	amount := bigInt(100000)
	req, err := NewPaymentRequirement(amount, "ST1", NetworkStacksTestnet, "asset")
	if err != nil {
		t.Fatalf("NewPaymentRequirement: %v", err)
	}
	amount.SetInt64(1)
	if req.AmountString() != "100000" {
		t.Errorf("Requirement must not alias caller amount, got %s", req.AmountString())
	}
	req.Amount().SetInt64(7)
	if req.AmountString() != "100000" {
		t.Errorf("Amount() must return a copy, got %s", req.AmountString())
	}

	terms := req.Terms()
	if terms.Currency != CurrencyUSDCx || terms.Network != NetworkStacksTestnet || terms.Amount != "100000" {
		t.Errorf("Unexpected terms: %+v", terms)
	}
}

func TestErrorCode(t *testing.T) {
	cause := errors.New("boom")
	err := WrapPaymentError(ErrCodeSubmissionFailed, cause, nil)
	if ErrorCode(err) != ErrCodeSubmissionFailed {
		t.Errorf("Expected %s, got %s", ErrCodeSubmissionFailed, ErrorCode(err))
	}
	if !errors.Is(err, cause) {
		t.Error("Expected wrapped payment error to unwrap to cause")
	}
	if ErrorCode(cause) != "" {
		t.Error("Expected empty code for plain error")
	}
}

func bigInt(v int64) *big.Int {
	return big.NewInt(v)
}
