package store

import (
	"context"
	"errors"
	"testing"

	"packforge/internal/types"
)

func TestLedgerDebitIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ledger := s.Ledger()

	if err := ledger.Grant(ctx, "user-1", 5); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	if err := ledger.Debit(ctx, "user-1", "job-1", 0, 2); err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	// Same debit key again: no-op, no further charge.
	if err := ledger.Debit(ctx, "user-1", "job-1", 0, 2); err != nil {
		t.Fatalf("repeat Debit failed: %v", err)
	}

	bal, err := ledger.GetBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.Credits != 3 {
		t.Fatalf("credits = %d, want 3 (debited once)", bal.Credits)
	}
}

func TestLedgerInsufficientCredits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ledger := s.Ledger()

	_ = ledger.Grant(ctx, "user-1", 1)

	err := ledger.Debit(ctx, "user-1", "job-1", 0, 2)
	if !errors.Is(err, types.ErrInsufficientCredits) {
		t.Fatalf("Debit = %v, want ErrInsufficientCredits", err)
	}

	// The failed debit must not leave a charge behind.
	bal, _ := ledger.GetBalance(ctx, "user-1")
	if bal.Credits != 1 {
		t.Fatalf("credits = %d, want 1", bal.Credits)
	}
	total, _ := ledger.DebitedTotal(ctx, "job-1")
	if total != 0 {
		t.Fatalf("DebitedTotal = %d, want 0", total)
	}

	ok, err := ledger.CheckAffordable(ctx, "user-1", 2)
	if err != nil || ok {
		t.Fatalf("CheckAffordable = (%v, %v), want (false, nil)", ok, err)
	}
	ok, _ = ledger.CheckAffordable(ctx, "user-1", 1)
	if !ok {
		t.Fatalf("CheckAffordable(1) = false, want true")
	}
}

func TestLedgerFailedDebitRetriesCleanly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ledger := s.Ledger()

	_ = ledger.Grant(ctx, "user-1", 1)

	// First attempt fails on funds; after a top-up the same debit key
	// must succeed (the rejected attempt left no ledger row).
	if err := ledger.Debit(ctx, "user-1", "job-1", 0, 2); !errors.Is(err, types.ErrInsufficientCredits) {
		t.Fatalf("Debit = %v, want ErrInsufficientCredits", err)
	}
	_ = ledger.Grant(ctx, "user-1", 1)
	if err := ledger.Debit(ctx, "user-1", "job-1", 0, 2); err != nil {
		t.Fatalf("Debit after top-up failed: %v", err)
	}

	bal, _ := ledger.GetBalance(ctx, "user-1")
	if bal.Credits != 0 {
		t.Fatalf("credits = %d, want 0", bal.Credits)
	}
}

func TestLedgerUnlimitedPlan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ledger := s.Ledger()

	if err := ledger.SetUnlimited(ctx, "user-1", true); err != nil {
		t.Fatalf("SetUnlimited failed: %v", err)
	}

	ok, err := ledger.CheckAffordable(ctx, "user-1", 1000)
	if err != nil || !ok {
		t.Fatalf("CheckAffordable unlimited = (%v, %v), want (true, nil)", ok, err)
	}

	if err := ledger.Debit(ctx, "user-1", "job-1", 0, 1000); err != nil {
		t.Fatalf("Debit unlimited failed: %v", err)
	}
	bal, _ := ledger.GetBalance(ctx, "user-1")
	if bal.Credits != 0 {
		t.Fatalf("unlimited debit touched balance: %d", bal.Credits)
	}
	// Audit trail still records the charge.
	total, _ := ledger.DebitedTotal(ctx, "job-1")
	if total != 1000 {
		t.Fatalf("DebitedTotal = %d, want 1000", total)
	}
}

func TestLedgerRefundChunk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ledger := s.Ledger()

	_ = ledger.Grant(ctx, "user-1", 5)
	_ = ledger.Debit(ctx, "user-1", "job-1", 0, 1)
	_ = ledger.Debit(ctx, "user-1", "job-1", 1, 1)

	if err := ledger.RefundChunk(ctx, "user-1", "job-1", 1); err != nil {
		t.Fatalf("RefundChunk failed: %v", err)
	}
	bal, _ := ledger.GetBalance(ctx, "user-1")
	if bal.Credits != 4 {
		t.Fatalf("credits = %d, want 4", bal.Credits)
	}

	// Refunds never exceed prior debits: repeat refund and refund of an
	// undebited chunk are both no-ops.
	if err := ledger.RefundChunk(ctx, "user-1", "job-1", 1); err != nil {
		t.Fatalf("repeat RefundChunk failed: %v", err)
	}
	if err := ledger.RefundChunk(ctx, "user-1", "job-1", 7); err != nil {
		t.Fatalf("RefundChunk undebited failed: %v", err)
	}
	bal, _ = ledger.GetBalance(ctx, "user-1")
	if bal.Credits != 4 {
		t.Fatalf("credits after no-op refunds = %d, want 4", bal.Credits)
	}
}

func TestLedgerRefundJobKeepsCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ledger := s.Ledger()

	_ = ledger.Grant(ctx, "user-1", 5)
	for chunk := 0; chunk < 4; chunk++ {
		if err := ledger.Debit(ctx, "user-1", "job-1", chunk, 1); err != nil {
			t.Fatalf("Debit chunk %d failed: %v", chunk, err)
		}
	}

	// Chunks 0 and 1 delivered value; the rest is returned.
	if err := ledger.RefundJob(ctx, "user-1", "job-1", map[int]bool{0: true, 1: true}); err != nil {
		t.Fatalf("RefundJob failed: %v", err)
	}

	bal, _ := ledger.GetBalance(ctx, "user-1")
	if bal.Credits != 3 {
		t.Fatalf("credits = %d, want 3 (kept 2 debits)", bal.Credits)
	}
	total, _ := ledger.DebitedTotal(ctx, "job-1")
	if total != 2 {
		t.Fatalf("DebitedTotal = %d, want 2", total)
	}
}

func TestPackWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	packs := s.Packs()

	pack := &types.Pack{
		JobID:        "job-1",
		Name:         "export.json",
		ArtifactPath: "packs/p1.json",
		SizeBytes:    512,
		AnalysisStats: types.StageStats{
			Items: 5, DurationMs: 120,
		},
	}
	created, err := packs.CreatePack(ctx, pack)
	if err != nil {
		t.Fatalf("CreatePack failed: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("pack id not assigned")
	}

	if _, err := packs.CreatePack(ctx, pack); err == nil {
		t.Fatalf("second CreatePack for same job succeeded, want unique violation")
	}

	got, err := packs.GetPackByJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetPackByJob failed: %v", err)
	}
	if got.AnalysisStats.Items != 5 || got.SizeBytes != 512 {
		t.Fatalf("unexpected pack: %+v", got)
	}

	if _, err := packs.GetPackByJob(ctx, "job-2"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("GetPackByJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestKeyStoreResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	keys := s.Keys()

	if err := keys.AddKey(ctx, "pk-live-abc", "user-1"); err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}

	userID, err := keys.ResolveKey(ctx, "pk-live-abc")
	if err != nil {
		t.Fatalf("ResolveKey failed: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("ResolveKey = %s, want user-1", userID)
	}

	if _, err := keys.ResolveKey(ctx, "wrong"); !errors.Is(err, types.ErrForbidden) {
		t.Fatalf("ResolveKey(wrong) = %v, want ErrForbidden", err)
	}
	if _, err := keys.ResolveKey(ctx, ""); !errors.Is(err, types.ErrForbidden) {
		t.Fatalf("ResolveKey(empty) = %v, want ErrForbidden", err)
	}
}
