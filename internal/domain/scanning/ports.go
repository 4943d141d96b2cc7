package scanning

import "context"

// JobSource is the coordinator's job API. GetJob returns (nil, nil) when no
// job is available. SubmitResult does not interpret the acknowledgement;
// only transport failures surface.
type JobSource interface {
	GetJob(ctx context.Context) (*Job, error)
	SubmitResult(ctx context.Context, result Result) error
}

// ArtifactFetcher retrieves a distribution URL as a bounded Archive.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, url string) (Archive, error)
}
