package syncer

//go:generate mockgen -source=remote.go -destination=mock_remote_test.go -package=syncer

import (
	"context"

	"github.com/alexjbarnes/onedrive-sync/internal/graph"
	"github.com/alexjbarnes/onedrive-sync/internal/trash"
)

// Remote is the subset of the Graph client the daemon drives. Extracted
// for testability.
type Remote interface {
	GetDelta(ctx context.Context, token string) (*graph.DeltaResult, error)
	UploadFile(ctx context.Context, localPath, remotePath string) (graph.RemoteItem, error)
	DownloadFile(ctx context.Context, id, localPath string) (int64, error)
	CreateFolder(ctx context.Context, remotePath string) (graph.RemoteItem, error)
}

// Trasher moves local paths out of the sync tree.
type Trasher interface {
	Recycle(ctx context.Context, absPath string) (trash.Outcome, error)
}
