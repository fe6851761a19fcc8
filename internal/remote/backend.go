package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"voxsync/internal/record"
)

// Backend stores the remote copy of every recording
type Backend struct {
	client *HTTPClient
}

// NewBackend wraps client
func NewBackend(client *HTTPClient) *Backend {
	return &Backend{client: client}
}

type pushResponse struct {
	RemoteID string `json:"remoteId"`
}

type fetchResponse struct {
	Records []*record.Recording `json:"records"`
}

// PushRecord upserts the full snapshot of rec keyed by its ID and returns the
// backend's stable identifier.
func (b *Backend) PushRecord(ctx context.Context, rec *record.Recording) (string, error) {
	var out pushResponse
	path := fmt.Sprintf("/v1/recordings/%s", url.PathEscape(rec.ID))
	if err := b.client.doJSON(ctx, http.MethodPut, path, rec, &out); err != nil {
		return "", err
	}
	if out.RemoteID == "" {
		return rec.ID, nil
	}
	return out.RemoteID, nil
}

// FetchRecords returns every remote recording owned by owner
func (b *Backend) FetchRecords(ctx context.Context, owner string) ([]*record.Recording, error) {
	q := url.Values{}
	q.Set("owner", owner)
	var out fetchResponse
	if err := b.client.doJSON(ctx, http.MethodGet, "/v1/recordings?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}
