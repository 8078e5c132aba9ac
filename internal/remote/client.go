// Package remote is the HTTP transport for the synchronization protocol:
// schema fetch, bulk data, action push and pull, and hash validation.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/horus/internal/hashing"
	"github.com/mesh-intelligence/horus/internal/logging"
	"github.com/mesh-intelligence/horus/pkg/types"
)

// Endpoint paths relative to the base URL.
const (
	PathMigration      = "migration"
	PathData           = "data"
	PathQueueActions   = "queue/actions"
	PathValidateHash   = "validate/hashing"
	PathValidateData   = "validate/data"
	pathEntityHashesFn = "entity/%s/hashes"
)

// maxErrorBody caps how much of a failed response is read into Error.Message.
const maxErrorBody = 4 << 10

// HeaderProvider supplies per-request headers such as authorization.
type HeaderProvider func(ctx context.Context) (http.Header, error)

// Client calls the remote authority.
type Client struct {
	base    *url.URL
	http    *http.Client
	headers HeaderProvider
	log     logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHeaderProvider sets a hook that adds headers to every request.
func WithHeaderProvider(p HeaderProvider) Option {
	return func(c *Client) { c.headers = p }
}

// WithBearerToken authenticates every request with a static token.
func WithBearerToken(token string) Option {
	return WithHeaderProvider(func(context.Context) (http.Header, error) {
		h := make(http.Header)
		h.Set("Authorization", "Bearer "+token)
		return h, nil
	})
}

// WithLogger sets the client logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New returns a client for the remote at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, types.ErrBaseURLEmpty
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q: unsupported scheme", baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: types.DefaultHTTPTimeout},
		log:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchSchema returns the remote schema forest and its version.
func (c *Client) FetchSchema(ctx context.Context) ([]types.EntityScheme, int, error) {
	var schemes []types.EntityScheme
	if err := c.do(ctx, http.MethodGet, PathMigration, nil, nil, &schemes); err != nil {
		return nil, 0, err
	}
	return schemes, types.SchemaVersion(schemes), nil
}

// FetchData returns bulk data for every entity. A non-zero after limits the
// payload to rows changed since then.
func (c *Client) FetchData(ctx context.Context, after time.Time) ([]types.EntityInstance, error) {
	return c.fetchData(ctx, PathData, afterQuery(after))
}

// FetchEntityData returns bulk data for one entity, optionally limited to
// rows changed after a time and to the given ids.
func (c *Client) FetchEntityData(ctx context.Context, entity string, after time.Time, ids ...string) ([]types.EntityInstance, error) {
	q := afterQuery(after)
	if len(ids) > 0 {
		if q == nil {
			q = url.Values{}
		}
		q.Set("ids", strings.Join(ids, ","))
	}
	return c.fetchData(ctx, PathData+"/"+entity, q)
}

func (c *Client) fetchData(ctx context.Context, path string, q url.Values) ([]types.EntityInstance, error) {
	var payload []EntityData
	if err := c.do(ctx, http.MethodGet, path, q, nil, &payload); err != nil {
		return nil, err
	}
	out := make([]types.EntityInstance, len(payload))
	for i, d := range payload {
		out[i] = d.Instance()
	}
	return out, nil
}

// PushActions sends one chunk of actions in the given order.
func (c *Client) PushActions(ctx context.Context, actions []types.Action) error {
	body := make([]WireAction, len(actions))
	for i, a := range actions {
		w, err := NewWireAction(a)
		if err != nil {
			return fmt.Errorf("action %d: %w", a.ID, err)
		}
		body[i] = w
	}
	return c.do(ctx, http.MethodPost, PathQueueActions, nil, body, nil)
}

// PullActions returns remote actions recorded after the checkpoint,
// skipping those stamped with any of the excluded Unix timestamps.
func (c *Client) PullActions(ctx context.Context, after time.Time, exclude []int64) ([]types.Action, error) {
	q := afterQuery(after)
	if len(exclude) > 0 {
		if q == nil {
			q = url.Values{}
		}
		parts := make([]string, len(exclude))
		for i, ts := range exclude {
			parts[i] = strconv.FormatInt(ts, 10)
		}
		q.Set("exclude", strings.Join(parts, ","))
	}
	var wire []WireAction
	if err := c.do(ctx, http.MethodGet, PathQueueActions, q, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]types.Action, 0, len(wire))
	for _, w := range wire {
		a, err := w.ToAction()
		if err != nil {
			return nil, fmt.Errorf("remote action %d: %w", w.ID, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// ValidateHashing asks the remote to hash data independently.
func (c *Client) ValidateHashing(ctx context.Context, data types.Attributes, hash string) (hashing.Result, error) {
	var res hashing.Result
	err := c.do(ctx, http.MethodPost, PathValidateHash, nil, hashingRequest{Data: data, Hash: hash}, &res)
	return res, err
}

// ValidateData sends per-entity aggregate hashes for comparison.
func (c *Client) ValidateData(ctx context.Context, hashes []hashing.EntityHash) ([]hashing.EntityResult, error) {
	var res []hashing.EntityResult
	err := c.do(ctx, http.MethodPost, PathValidateData, nil, hashes, &res)
	return res, err
}

// EntityHashes returns the remote row hashes of an entity.
func (c *Client) EntityHashes(ctx context.Context, entity string) ([]hashing.RowHash, error) {
	var res []hashing.RowHash
	err := c.do(ctx, http.MethodGet, fmt.Sprintf(pathEntityHashesFn, entity), nil, nil, &res)
	return res, err
}

func afterQuery(after time.Time) url.Values {
	if after.IsZero() {
		return nil
	}
	return url.Values{"after": {strconv.FormatInt(after.Unix(), 10)}}
}

// do performs one request. in is encoded as JSON when non-nil; out is
// decoded from a 2xx body when non-nil.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.base.JoinPath(path)
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.headers != nil {
		extra, err := c.headers(ctx)
		if err != nil {
			return fmt.Errorf("request headers: %w", err)
		}
		for k, vs := range extra {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		c.log.WithFields(logrus.Fields{"method": method, "path": path}).WithError(err).Debug("remote request failed")
		return &Error{Method: method, Path: path, Message: err.Error(), Err: types.ErrRemoteUnavailable}
	}
	defer resp.Body.Close()

	c.log.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("remote request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.Body),
			Err:        classify(resp.StatusCode),
		}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    "decoding response: " + err.Error(),
			Err:        types.ErrRemoteRejected,
		}
	}
	return nil
}

// errorMessage extracts {"error": "..."} from a failure body, falling back
// to the raw text.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var doc struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &doc) == nil && doc.Error != "" {
		return doc.Error
	}
	return strings.TrimSpace(string(raw))
}
