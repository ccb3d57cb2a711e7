package reward_test

import (
	"context"
	"testing"
	"time"

	"github.com/staychain/bookingd/internal/deal"
	"github.com/staychain/bookingd/internal/reward"
	"github.com/staychain/bookingd/internal/testutil"
)

// seedDeal satisfies the rewards foreign key on deals.
func seedDeal(t *testing.T, s deal.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := s.Create(context.Background(), &deal.Deal{
		ID:            id,
		OfferID:       "offer-1",
		DealStorage:   deal.DealStorage{Value: "100"},
		Contract:      deal.NetworkInfo{ChainID: 100, ContractAddress: "0xaaa"},
		UserAddresses: []string{"0xbbb"},
		Status:        deal.StatusBooked,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatalf("seed deal: %v", err)
	}
}

func pgReward(dealID string) *reward.Reward {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &reward.Reward{
		DealID:    dealID,
		Recipient: "0x00000000000000000000000000000000000000bb",
		Asset:     "0x00000000000000000000000000000000000000cc",
		Amount:    "1200000000000000000",
		Status:    reward.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	db := testutil.PG(t)
	testutil.Truncate(t, db, "rewards", "deals")
	deals := deal.NewPostgresStore(db)
	s := reward.NewPostgresStore(db)
	ctx := context.Background()

	seedDeal(t, deals, "deal_rw1")
	r := pgReward("deal_rw1")
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create(ctx, r); err != reward.ErrRewardExists {
		t.Fatalf("expected ErrRewardExists, got %v", err)
	}

	got, err := s.GetByDeal(ctx, "deal_rw1")
	if err != nil {
		t.Fatalf("GetByDeal failed: %v", err)
	}
	if got.Amount != r.Amount || got.Recipient != r.Recipient {
		t.Fatalf("round trip lost data: %+v", got)
	}
}

func TestPostgresStore_UpdateIfStatus(t *testing.T) {
	db := testutil.PG(t)
	testutil.Truncate(t, db, "rewards", "deals")
	deals := deal.NewPostgresStore(db)
	s := reward.NewPostgresStore(db)
	ctx := context.Background()

	seedDeal(t, deals, "deal_rw2")
	if err := s.Create(ctx, pgReward("deal_rw2")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	updated, err := s.UpdateIfStatus(ctx, "deal_rw2", reward.StatusPending, reward.Patch{
		Status:   reward.Ptr(reward.StatusSent),
		TxHash:   reward.Ptr("0xabc"),
		Attempts: reward.Ptr(1),
	})
	if err != nil {
		t.Fatalf("UpdateIfStatus failed: %v", err)
	}
	if updated.Status != reward.StatusSent || updated.TxHash != "0xabc" {
		t.Fatalf("patch not applied: %+v", updated)
	}

	if _, err := s.UpdateIfStatus(ctx, "deal_rw2", reward.StatusPending, reward.Patch{
		Status: reward.Ptr(reward.StatusFailed),
	}); err != reward.ErrStatusConflict {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	if _, err := s.UpdateIfStatus(ctx, "missing", reward.StatusPending, reward.Patch{}); err != reward.ErrRewardNotFound {
		t.Fatalf("expected ErrRewardNotFound, got %v", err)
	}
}
