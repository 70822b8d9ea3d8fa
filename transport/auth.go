package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/halcyonchat/groupsync/errors"
	"github.com/halcyonchat/groupsync/group"
	"github.com/halcyonchat/groupsync/internal/httpclient"
	"github.com/halcyonchat/groupsync/reconcile"
)

const tokenCacheSize = 128

// TokenProvider fetches per-group authorization credentials and caches
// them. Credentials are scoped to a UTC day; the cache key carries the day
// so a stale entry simply misses after midnight.
type TokenProvider struct {
	baseURL string
	http    *httpclient.Client
	cache   *lru.Cache[string, reconcile.AuthToken]
	now     func() time.Time
	logger  *zap.SugaredLogger
}

var _ reconcile.AuthProvider = (*TokenProvider)(nil)

// NewTokenProvider creates a provider against the service at baseURL.
func NewTokenProvider(baseURL string, hc *httpclient.Client, logger *zap.SugaredLogger) (*TokenProvider, error) {
	cache, err := lru.New[string, reconcile.AuthToken](tokenCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating token cache")
	}
	return &TokenProvider{
		baseURL: baseURL,
		http:    hc,
		cache:   cache,
		now:     time.Now,
		logger:  logger,
	}, nil
}

type tokenResponse struct {
	Token string `json:"token"`
}

// TokenFor returns a credential for the group, fetching one when the cache
// has no entry for today.
func (p *TokenProvider) TokenFor(ctx context.Context, key group.MasterKey) (reconcile.AuthToken, error) {
	id := group.DeriveID(key)
	cacheKey := string(id) + "/" + p.now().UTC().Format("2006-01-02")

	if token, ok := p.cache.Get(cacheKey); ok {
		return token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/groups/"+string(id)+"/token", nil)
	if err != nil {
		return "", errors.Wrap(err, "building token request")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return "", errors.WrapIO(err, "token request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
			return "", errors.Wrapf(errors.ErrNotAMember, "token refused with status %d", resp.StatusCode)
		}
		return "", errors.WrapIO(errors.Newf("status %d", resp.StatusCode), "token request failed")
	}

	var decoded tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", errors.WrapIO(err, "decoding token response")
	}
	if decoded.Token == "" {
		return "", errors.WrapIO(errors.New("empty token"), "token response")
	}

	token := reconcile.AuthToken(decoded.Token)
	p.cache.Add(cacheKey, token)
	p.logger.Debugw("Fetched group credential", "group_id", id)
	return token, nil
}
