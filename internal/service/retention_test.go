package service

import (
	"context"
	"testing"
	"time"

	"carelink-sync-api/internal/model"
)

func TestRetentionPrunesOnlyOldSyncedItems(t *testing.T) {
	store := newMemStore()
	sweeper := NewRetentionSweeper(store.Queue(), RetentionConfig{MaxAge: 24 * time.Hour})

	now := time.Now().UTC()
	seed := func(id string, synced bool, syncedAt time.Time) {
		err := store.Queue().Create(context.Background(), &model.SyncQueueItem{
			ID:         id,
			UserID:     "user-1",
			DeviceID:   "device-1",
			EntityType: "patients",
			EntityID:   "p1",
			Action:     model.ActionUpdate,
			Timestamp:  syncedAt.Add(-time.Minute),
			CreatedAt:  syncedAt.Add(-time.Minute),
		})
		if err != nil {
			t.Fatalf("seed %s failed: %v", id, err)
		}
		if synced {
			if err := store.Queue().MarkSynced(context.Background(), id, syncedAt); err != nil {
				t.Fatalf("mark synced %s failed: %v", id, err)
			}
		}
	}

	seed("item-old-synced", true, now.Add(-48*time.Hour))
	seed("item-recent-synced", true, now.Add(-time.Hour))
	seed("item-old-pending", false, now.Add(-48*time.Hour))

	deleted, err := sweeper.RunNow(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 pruned item, got %d", deleted)
	}

	if item, _ := store.Queue().GetByID(context.Background(), "item-old-synced"); item != nil {
		t.Fatal("expected old synced item pruned")
	}
	if item, _ := store.Queue().GetByID(context.Background(), "item-recent-synced"); item == nil {
		t.Fatal("expected recent synced item kept")
	}
	if item, _ := store.Queue().GetByID(context.Background(), "item-old-pending"); item == nil {
		t.Fatal("expected pending item kept regardless of age")
	}
}

func TestRetentionStopIsIdempotent(t *testing.T) {
	store := newMemStore()
	sweeper := NewRetentionSweeper(store.Queue(), RetentionConfig{SweepInterval: 10 * time.Millisecond})

	sweeper.Start()
	sweeper.Stop()
	sweeper.Stop()
}
