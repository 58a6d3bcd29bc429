package vibemesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// GaiaClient exchanges partial snapshots with an aggregator endpoint: each
// call both publishes the caller's view and pulls back a scoped projection.
type GaiaClient struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewGaiaClient(endpoint string, client *http.Client, logger *slog.Logger) *GaiaClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &GaiaClient{url: endpoint, client: client, logger: logger}
}

// Exchange posts report under the given bearer token and decodes the
// snapshot scoped by q.
func (c *GaiaClient) Exchange(ctx context.Context, token string, report Img, q SnapshotQuery) (Img, error) {
	img := newImg()
	body, err := json.Marshal(report)
	if err != nil {
		return img, err
	}

	endpoint := c.url
	if qs := encodeSnapshotQuery(q); qs != "" {
		endpoint = endpoint + "?" + qs
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return img, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.client.Do(req)
	if err != nil {
		return img, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return img, fmt.Errorf("%w: %d: %s", ErrGaiaStatus, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(res.Body).Decode(&img); err != nil {
		return img, err
	}
	return img, nil
}

// encodeSnapshotQuery builds the endpoint's query string, omitting every
// disabled filter: non-finite coordinates and radius, non-positive sample,
// false requireUrl and empty targets produce no parameter at all. Targets
// are comma-joined and URL-encoded.
func encodeSnapshotQuery(q SnapshotQuery) string {
	values := url.Values{}
	if isFinite(q.Long) {
		values.Set("long", strconv.FormatFloat(q.Long, 'f', -1, 64))
	}
	if isFinite(q.Lat) {
		values.Set("lat", strconv.FormatFloat(q.Lat, 'f', -1, 64))
	}
	if isFinite(q.Radius) {
		values.Set("radius", strconv.FormatFloat(q.Radius, 'f', -1, 64))
	}
	if q.Sample > 0 {
		values.Set("sample", strconv.Itoa(q.Sample))
	}
	if q.RequireURL {
		values.Set("requireUrl", "true")
	}
	if len(q.Targets) > 0 {
		values.Set("targets", strings.Join(q.Targets, ","))
	}
	return values.Encode()
}
