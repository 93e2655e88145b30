package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// Endpoint paths relative to the API root.
const (
	pathQuery        = "v2/query"
	pathQueryJobs    = "v2/queryjobs/"
	pathDownload     = "v2/queryjobs/download/"
	pathQueryHistory = "v2/queryhistories/full/queryjob/"
	pathPolygons     = "v2/polygons/"
	pathUpload       = "uploader/upload"
)

// SubmitQuery posts a definition to the submission endpoint.
func (c *Client) SubmitQuery(ctx context.Context, def *domain.QueryDefinition) (*output.SubmitResult, error) {
	body, err := def.CanonicalJSON()
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, "submit", http.MethodPost, pathQuery, body)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiError("submit", "", resp)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.APIError{Operation: "submit", StatusCode: resp.StatusCode, Err: err}
	}

	var ack struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &ack); err != nil {
		return nil, &domain.APIError{Operation: "submit", StatusCode: resp.StatusCode,
			Message: "response is not valid JSON", Err: err}
	}

	return &output.SubmitResult{ID: rawID(ack.ID), Payload: payload}, nil
}

// rawID accepts ids sent as JSON strings or numbers.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

// QueryStatus fetches the status of a submitted query.
func (c *Client) QueryStatus(ctx context.Context, id string) (*domain.QueryStatus, error) {
	var st domain.QueryStatus
	if err := c.doJSON(ctx, "status", id, http.MethodGet, pathQueryJobs+id, nil, &st); err != nil {
		return nil, err
	}
	if st.ID == "" {
		st.ID = id
	}
	st.UpdatedAt = time.Now()
	return &st, nil
}

// DownloadArchive streams the result archive into w.
func (c *Client) DownloadArchive(ctx context.Context, id string, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, "download", http.MethodGet, pathDownload+id, nil)
	if err != nil {
		return 0, withRemoteID(err, id)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return 0, apiError("download", id, resp)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &domain.APIError{Operation: "download", RemoteID: id, StatusCode: resp.StatusCode, Err: err}
	}
	return n, nil
}

// FetchQueryDefinition loads the definition a query was submitted with.
// The history endpoint wraps it in a "query" field on newer servers.
func (c *Client) FetchQueryDefinition(ctx context.Context, id string) (*domain.QueryDefinition, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, "history", id, http.MethodGet, pathQueryHistory+id, nil, &raw); err != nil {
		return nil, err
	}

	var wrapped struct {
		Query *domain.QueryDefinition `json:"query"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Query != nil {
		return wrapped.Query, nil
	}

	var def domain.QueryDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, &domain.APIError{Operation: "history", RemoteID: id, StatusCode: http.StatusOK,
			Message: "query definition is not valid JSON", Err: err}
	}
	return &def, nil
}

// PushToBucket asks the platform to copy the result archive to a bucket.
func (c *Client) PushToBucket(ctx context.Context, id string, target domain.BucketTarget) error {
	return c.doJSON(ctx, "bucket-push", id, http.MethodPost, pathQueryJobs+id+"/cos", target, nil)
}

// BucketProgress reports the progress of a PushToBucket.
func (c *Client) BucketProgress(ctx context.Context, id string) (*domain.BucketProgress, error) {
	var p domain.BucketProgress
	if err := c.doJSON(ctx, "bucket-progress", id, http.MethodGet, pathQueryJobs+id+"/cos", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Polygon looks up an aggregation polygon.
func (c *Client) Polygon(ctx context.Context, id int64) (*domain.Polygon, error) {
	sid := strconv.FormatInt(id, 10)
	var p domain.Polygon
	if err := c.doJSON(ctx, "polygon", sid, http.MethodGet, pathPolygons+sid, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
