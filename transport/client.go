// Package transport implements the remote group-log API client behind the
// reconciliation engine's HistorySource and AuthProvider interfaces. It
// consumes already-decrypted, integrity-verified JSON structures; the
// decryption layer sits server-side of this client's trust boundary.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/halcyonchat/groupsync/errors"
	"github.com/halcyonchat/groupsync/group"
	"github.com/halcyonchat/groupsync/internal/httpclient"
	"github.com/halcyonchat/groupsync/reconcile"
)

// Client talks to the group-log service over HTTP/JSON.
type Client struct {
	baseURL string
	http    *httpclient.Client
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

var _ reconcile.HistorySource = (*Client)(nil)

// NewClient creates a client for the service at baseURL. Requests across
// all groups share one rate limiter.
func NewClient(baseURL string, hc *httpclient.Client, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger,
	}
}

type summaryResponse struct {
	Revision int            `json:"revision"`
	Members  []group.Member `json:"members"`
}

type logEntryWire struct {
	Snapshot *group.Snapshot `json:"snapshot,omitempty"`
	Change   *group.Change   `json:"change,omitempty"`
}

type logPageResponse struct {
	Entries          []logEntryWire `json:"entries"`
	NextPageRevision int            `json:"next_page_revision"`
	HasMore          bool           `json:"has_more"`
}

// ProbeLatest fetches the cheap membership summary of the group.
func (c *Client) ProbeLatest(ctx context.Context, key group.MasterKey, token reconcile.AuthToken) (*reconcile.PartialSnapshot, error) {
	var resp summaryResponse
	path := fmt.Sprintf("/v1/groups/%s/summary", group.DeriveID(key))
	if err := c.get(ctx, path, token, &resp); err != nil {
		return nil, err
	}
	return &reconcile.PartialSnapshot{Revision: resp.Revision, Members: resp.Members}, nil
}

// FetchHistoryPage fetches one page of log entries starting at fromRevision.
func (c *Client) FetchHistoryPage(ctx context.Context, key group.MasterKey, fromRevision int, includeFirst bool, token reconcile.AuthToken) (*reconcile.HistoryPage, error) {
	var resp logPageResponse
	path := fmt.Sprintf("/v1/groups/%s/log?from=%d&include_first=%s",
		group.DeriveID(key), fromRevision, strconv.FormatBool(includeFirst))
	if err := c.get(ctx, path, token, &resp); err != nil {
		return nil, err
	}

	page := &reconcile.HistoryPage{
		NextPageRevision: resp.NextPageRevision,
		HasMore:          resp.HasMore,
	}
	for _, e := range resp.Entries {
		page.Entries = append(page.Entries, reconcile.LogEntry{Snapshot: e.Snapshot, Change: e.Change})
	}
	return page, nil
}

// FetchLatestSnapshot fetches the authoritative full snapshot.
func (c *Client) FetchLatestSnapshot(ctx context.Context, key group.MasterKey, token reconcile.AuthToken) (*group.Snapshot, error) {
	var snap group.Snapshot
	path := fmt.Sprintf("/v1/groups/%s", group.DeriveID(key))
	if err := c.get(ctx, path, token, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// FetchSnapshotAtRevision fetches the full snapshot at one revision, or nil
// when the server holds no snapshot there.
func (c *Client) FetchSnapshotAtRevision(ctx context.Context, key group.MasterKey, revision int, token reconcile.AuthToken) (*group.Snapshot, error) {
	var snap group.Snapshot
	path := fmt.Sprintf("/v1/groups/%s/revisions/%d", group.DeriveID(key), revision)
	err := c.get(ctx, path, token, &snap)
	if errors.IsGroupNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) get(ctx context.Context, path string, token reconcile.AuthToken, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Authorization", "GroupToken "+string(token))
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return errors.Wrapf(errors.ErrTimeout, "group service request to %s: %v", path, err)
		}
		return errors.WrapIO(err, "group service request")
	}
	defer resp.Body.Close()

	if err := mapStatus(resp.StatusCode, path); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A malformed body from a supposedly verified source is a transport
		// integrity failure, not a membership condition.
		return errors.WrapIO(err, "decoding group service response")
	}
	return nil
}

func mapStatus(code int, path string) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.Wrapf(errors.ErrNotAMember, "server refused %s with status %d", path, code)
	case code == http.StatusNotFound:
		return errors.Wrapf(errors.ErrGroupNotFound, "server has no resource at %s", path)
	default:
		return errors.WrapIO(errors.Newf("status %d", code), "group service returned failure for "+path)
	}
}
