// Package iaasapi is the authenticated client for the external
// Infrastructure-as-a-Service API: paginated list, single read, and
// partial-update against virtual_router, vm, snapshot, backup, server,
// ip_address, and vpn resources, plus the run_robot polling endpoint.
package iaasapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/rs/zerolog"

	"github.com/virctl/robot/pkg/config"
	"github.com/virctl/robot/pkg/log"
	"github.com/virctl/robot/pkg/token"
)

// Client is the IaaS API client. One Client is shared by every worker
// and the poller.
type Client struct {
	http    *http.Client
	baseURL string
	tokens  *token.Holder
	log     zerolog.Logger
}

// New builds a Client against cfg.APIURL, authenticating through tokens.
func New(cfg config.Config, tokens *token.Holder) *Client {
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		tokens:  tokens,
		log:     log.WithComponent("iaasapi"),
	}
}

func jsonReader(b []byte) io.Reader { return bytes.NewReader(b) }

// metadata mirrors the pagination envelope every list endpoint returns.
type metadata struct {
	TotalRecords int `json:"total_records"`
}

type listEnvelope struct {
	Content  json.RawMessage `json:"content"`
	Metadata metadata        `json:"_metadata"`
}

// List accumulates every page of path, decoding each page's `content`
// array element-wise into dst (a pointer to a slice). filter is an
// optional struct tagged for github.com/google/go-querystring/query
// (e.g. &ScrubQueueFilter{State: "SCRUB_QUEUE"}); pass nil for no extra
// filter. Pagination terminates once len(accumulated) >= total_records;
// an error on any page after the first returns the partial result
// rather than retrying.
func (c *Client) List(ctx context.Context, path string, filter interface{}, dst *[]json.RawMessage) error {
	page := 0
	var total *int
	first := true

	baseQuery := url.Values{}
	if filter != nil {
		values, err := query.Values(filter)
		if err != nil {
			return fmt.Errorf("encoding list filter: %w", err)
		}
		baseQuery = values
	}

	for {
		q := url.Values{}
		for k, v := range baseQuery {
			q[k] = v
		}
		q.Set("page", strconv.Itoa(page))

		var env listEnvelope
		err := c.doJSON(ctx, http.MethodGet, path, q, nil, &env, first)
		if err != nil {
			if first {
				return err
			}
			// Mid-pagination error: return what has already been
			// accumulated rather than retrying.
			return nil
		}
		first = false

		var pageItems []json.RawMessage
		if err := json.Unmarshal(env.Content, &pageItems); err != nil {
			return fmt.Errorf("decoding page content: %w", err)
		}
		*dst = append(*dst, pageItems...)

		t := env.Metadata.TotalRecords
		total = &t
		if len(*dst) >= *total {
			return nil
		}
		page++
	}
}

// Read fetches a single resource by id. found is false when the API
// returned 404 or an empty body.
func (c *Client) Read(ctx context.Context, path string, id int, dst interface{}) (found bool, err error) {
	fullPath := fmt.Sprintf("%s/%d", path, id)
	code, err := c.doRaw(ctx, http.MethodGet, fullPath, nil, nil, dst, true)
	if err != nil {
		if code == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PartialUpdate PATCHes body onto the resource at path/id.
func (c *Client) PartialUpdate(ctx context.Context, path string, id int, body map[string]interface{}) error {
	fullPath := fmt.Sprintf("%s/%d", path, id)
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling partial update: %w", err)
	}
	_, err = c.doRaw(ctx, http.MethodPatch, fullPath, nil, bytes.NewReader(payload), nil, true)
	return err
}

// doJSON is List's transport: it always expects a 200 JSON body.
func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body io.Reader, dst interface{}, retryOn401 bool) error {
	_, err := c.doRaw(ctx, method, path, q, body, dst, retryOn401)
	return err
}

// tokenExpiredDetail is the substring the API embeds in a 401 body when
// the bearer token has expired and must be reissued before retrying.
const tokenExpiredDetail = "token is expired"

// doRaw performs one HTTP round trip, attaching the current token, and
// retries exactly once after a forced refresh if the API reports the
// token expired. The returned status code is meaningful even on error,
// so Read can distinguish 404 from a transport failure.
func (c *Client) doRaw(ctx context.Context, method, path string, q url.Values, body io.Reader, dst interface{}, retryOn401 bool) (int, error) {
	tok, err := c.tokens.Get()
	if err != nil {
		return 0, fmt.Errorf("fetching token: %w", err)
	}

	fullURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(q) > 0 {
		fullURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-Auth-Token", tok)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized && strings.Contains(string(payload), tokenExpiredDetail) {
		if !retryOn401 {
			return resp.StatusCode, fmt.Errorf("token expired after retry")
		}
		c.log.Debug().Str("path", path).Msg("token expired, refreshing and retrying once")
		if _, err := c.tokens.Refresh(); err != nil {
			return resp.StatusCode, fmt.Errorf("refreshing expired token: %w", err)
		}
		return c.doRaw(ctx, method, path, q, body, dst, false)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, path, string(payload))
	}

	if dst != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, dst); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response body: %w", err)
		}
	}
	return resp.StatusCode, nil
}
