package transport

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonchat/groupsync/errors"
	"github.com/halcyonchat/groupsync/group"
	"github.com/halcyonchat/groupsync/internal/httpclient"
	"github.com/halcyonchat/groupsync/schedule"
)

// ProfileClient fetches member profiles after their secret changed.
type ProfileClient struct {
	baseURL string
	http    *httpclient.Client
	logger  *zap.SugaredLogger
}

var _ schedule.ProfileFetcher = (*ProfileClient)(nil)

// NewProfileClient creates a profile fetcher.
func NewProfileClient(baseURL string, hc *httpclient.Client, logger *zap.SugaredLogger) *ProfileClient {
	return &ProfileClient{baseURL: baseURL, http: hc, logger: logger}
}

// FetchProfile retrieves the member's profile. The body is consumed and
// discarded; the service updates its own caches on read.
func (c *ProfileClient) FetchProfile(ctx context.Context, id uuid.UUID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/profiles/"+id.String(), nil)
	if err != nil {
		return errors.Wrap(err, "building profile request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WrapIO(err, "profile request")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.WrapIO(errors.Newf("status %d", resp.StatusCode), "profile request failed")
	}
	return nil
}

// AvatarClient downloads group avatar binaries into a local directory.
type AvatarClient struct {
	baseURL string
	http    *httpclient.Client
	dir     string
	logger  *zap.SugaredLogger
}

var _ schedule.AvatarFetcher = (*AvatarClient)(nil)

// NewAvatarClient creates an avatar fetcher writing into dir.
func NewAvatarClient(baseURL string, hc *httpclient.Client, dir string, logger *zap.SugaredLogger) *AvatarClient {
	return &AvatarClient{baseURL: baseURL, http: hc, dir: dir, logger: logger}
}

// FetchAvatar downloads the avatar behind avatarRef and stores it under the
// group's identity, replacing any previous avatar.
func (c *AvatarClient) FetchAvatar(ctx context.Context, id group.ID, avatarRef string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/avatars/"+url.PathEscape(avatarRef), nil)
	if err != nil {
		return errors.Wrap(err, "building avatar request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WrapIO(err, "avatar request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return errors.WrapIO(errors.Newf("status %d", resp.StatusCode), "avatar request failed")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WrapIO(err, "reading avatar body")
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrap(err, "creating avatar directory")
	}
	path := filepath.Join(c.dir, string(id)+".avatar")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "writing avatar file")
	}

	c.logger.Debugw("Stored group avatar",
		"group_id", id,
		"avatar_ref", avatarRef,
		"bytes", len(data),
	)
	return nil
}
