package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// SubmitUpload posts an upload description. Only 201 counts as accepted.
func (c *Client) SubmitUpload(ctx context.Context, body []byte) (string, error) {
	resp, err := c.do(ctx, "upload-submit", http.MethodPost, pathUpload, body)
	if err != nil {
		return "", err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusCreated {
		return "", apiError("upload-submit", "", resp)
	}

	var ack struct {
		TrackingID json.RawMessage `json:"trackingId"`
		ID         json.RawMessage `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", &domain.APIError{Operation: "upload-submit", StatusCode: resp.StatusCode,
			Message: "response is not valid JSON", Err: err}
	}

	id := rawID(ack.TrackingID)
	if id == "" {
		id = rawID(ack.ID)
	}
	if id == "" {
		return "", &domain.APIError{Operation: "upload-submit", StatusCode: resp.StatusCode,
			Message: "response carries no tracking id"}
	}
	return id, nil
}

// UploadStatus fetches one status snapshot. Non-200 answers are returned
// as data for the caller to classify.
func (c *Client) UploadStatus(ctx context.Context, trackingID string) (*output.UploadStatusResponse, error) {
	resp, err := c.do(ctx, "upload-status", http.MethodGet, pathUpload+"/"+trackingID, nil)
	if err != nil {
		return nil, withRemoteID(err, trackingID)
	}
	defer drain(resp)

	out := &output.UploadStatusResponse{HTTPStatus: resp.StatusCode}
	if resp.StatusCode != http.StatusOK {
		out.Message = serverMessage(resp.Body)
		return out, nil
	}

	var snap domain.UploadStatus
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, &domain.APIError{Operation: "upload-status", RemoteID: trackingID,
			StatusCode: resp.StatusCode, Message: "status is not valid JSON", Err: err}
	}
	out.Snapshot = &snap
	return out, nil
}
