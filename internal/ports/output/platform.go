package output

import (
	"context"
	"io"

	"github.com/jobrunner/orbis/internal/domain"
)

// SubmitResult is the platform's answer to a query submission.
type SubmitResult struct {
	ID      string // Query id; may be empty for online queries
	Payload []byte // Raw response body
}

// QueryAPI is the query half of the platform REST API.
type QueryAPI interface {
	// SubmitQuery posts a definition. A response that is not JSON is an error.
	SubmitQuery(ctx context.Context, def *domain.QueryDefinition) (*SubmitResult, error)

	// QueryStatus fetches the current status of a submitted query.
	QueryStatus(ctx context.Context, id string) (*domain.QueryStatus, error)

	// DownloadArchive streams the result archive into w.
	DownloadArchive(ctx context.Context, id string, w io.Writer) (int64, error)

	// FetchQueryDefinition loads the definition a query was submitted with.
	FetchQueryDefinition(ctx context.Context, id string) (*domain.QueryDefinition, error)

	// PushToBucket asks the platform to copy the result into a bucket.
	PushToBucket(ctx context.Context, id string, target domain.BucketTarget) error

	// BucketProgress reports the progress of a PushToBucket.
	BucketProgress(ctx context.Context, id string) (*domain.BucketProgress, error)

	// Polygon looks up an aggregation polygon.
	Polygon(ctx context.Context, id int64) (*domain.Polygon, error)
}

// UploadStatusResponse is one raw answer of the upload status endpoint.
// Snapshot is only set for HTTP 200.
type UploadStatusResponse struct {
	HTTPStatus int
	Snapshot   *domain.UploadStatus
	Message    string
}

// UploadAPI is the ingestion half of the platform REST API.
type UploadAPI interface {
	// SubmitUpload posts a wire-encoded upload description and returns the
	// tracking id. Any status other than 201 is an *domain.APIError.
	SubmitUpload(ctx context.Context, body []byte) (string, error)

	// UploadStatus fetches the status of an upload. Only transport
	// failures are returned as errors.
	UploadStatus(ctx context.Context, trackingID string) (*UploadStatusResponse, error)
}
