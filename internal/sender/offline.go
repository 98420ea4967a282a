package sender

import (
	"context"

	"github.com/runtrail/runtrail/pkg/types"
)

// Offline collaborators. An offline run still records everything in
// the durable log; the network side is replayed later by the sync
// command. These keep the sender's shape identical in both modes.

// OfflineRegistry acknowledges upserts locally without a server. The
// run keeps its client-side identity.
type OfflineRegistry struct{}

func (OfflineRegistry) UpsertRun(_ context.Context, update *types.RunUpdate) (*types.RunResult, error) {
	return &types.RunResult{
		StorageID:   update.RunID,
		DisplayName: update.DisplayName,
		Project:     update.Project,
		Entity:      update.Entity,
	}, nil
}

// OfflineStream discards pushed lines.
type OfflineStream struct{}

func (OfflineStream) Push(string, string) {}

func (OfflineStream) Finish(int32) error { return nil }

// OfflineUploads discards file-change notifications.
type OfflineUploads struct{}

func (OfflineUploads) NotifyFileChanged(string, string) {}

func (OfflineUploads) Finish() error { return nil }

func (OfflineUploads) PrintStatus() {}
