// Package store talks to the external context store over its REST contract
// and mirrors every write into a local journal.
//
// Remote failures are never fatal. Writes that cannot reach the store are
// kept in the journal under a local id, and reads fall back to the journal.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secondmind/internal/resilient"
	"secondmind/internal/types"
)

// Item is a context item to write.
type Item struct {
	SessionID     string            `json:"session_id"`
	Type          string            `json:"type"`
	Data          any               `json:"data"`
	Relevance     float64           `json:"relevance"`
	Relationships map[string]string `json:"relationships"`
}

// Record is a context item read back from the store.
type Record struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
	Relevance float64        `json:"relevance"`
}

// WriteResult reports where a write landed.
type WriteResult struct {
	ItemID string
	Remote bool
}

// Store is the persistence surface the stages depend on.
type Store interface {
	Create(ctx context.Context, item Item) WriteResult
	Update(ctx context.Context, itemID string, patch map[string]any, relevance *float64, fallback Item) WriteResult
	Upsert(ctx context.Context, itemID string, item Item) WriteResult
	SessionItems(ctx context.Context, sessionID, itemType string) []Record
	Search(ctx context.Context, query, itemType string) []Record
}

// Config configures the REST client.
type Config struct {
	BaseURL string // empty disables the remote store
	Timeout time.Duration
	Policy  resilient.Policy
}

// Client implements Store against the REST contract.
type Client struct {
	baseURL    string
	httpClient *http.Client
	policy     resilient.Policy
	journal    *Journal
	logger     *zap.Logger
	onFailure  func(op string)
}

// NewClient creates a client. journal may be nil, in which case failed writes
// are only logged.
func NewClient(cfg Config, journal *Journal, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = resilient.StorePolicy()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		policy:     cfg.Policy,
		journal:    journal,
		logger:     logger,
	}
}

// OnFailure registers a hook called with the operation name whenever a remote
// call fails.
func (c *Client) OnFailure(fn func(op string)) {
	c.onFailure = fn
}

// Remote reports whether a remote store is configured.
func (c *Client) Remote() bool {
	return c.baseURL != ""
}

// =============================================================================
// WRITES
// =============================================================================

const localPrefix = "local-"

type postResponse struct {
	Status  string `json:"status"`
	ItemID  string `json:"item_id"`
	Message string `json:"message,omitempty"`
}

// Create POSTs a new item.
func (c *Client) Create(ctx context.Context, item Item) WriteResult {
	if item.Relationships == nil {
		item.Relationships = map[string]string{}
	}
	item.Relevance = types.Clamp01(item.Relevance)

	if c.Remote() {
		if id, ok := c.post(ctx, item); ok {
			c.journalPut(ctx, id, true, item)
			return WriteResult{ItemID: id, Remote: true}
		}
	}

	id := localPrefix + uuid.NewString()
	c.journalPut(ctx, id, false, item)
	return WriteResult{ItemID: id}
}

func (c *Client) post(ctx context.Context, item Item) (string, bool) {
	res := resilient.Do(ctx, c.logger, c.policy, "store.post", func(ctx context.Context) (string, error) {
		var out postResponse
		if err := c.do(ctx, http.MethodPost, "/context", item, &out); err != nil {
			return "", err
		}
		if out.ItemID == "" {
			return "", &types.ExternalCallError{Service: "store", Op: "post", Err: fmt.Errorf("no item_id in response (status %q)", out.Status)}
		}
		return out.ItemID, nil
	})
	if !res.OK() {
		c.failed("post", res.Err, zap.String("type", item.Type))
		return "", false
	}
	return res.Value, true
}

type putBody struct {
	Data      map[string]any `json:"data"`
	Relevance *float64       `json:"relevance,omitempty"`
}

// Update PUTs a partial update to an existing item. A 404 or 405, or an empty
// itemID, falls back to creating fallback instead. An item that was only
// journaled is merged locally and then created remotely under a new id.
func (c *Client) Update(ctx context.Context, itemID string, patch map[string]any, relevance *float64, fallback Item) WriteResult {
	if relevance != nil {
		r := types.Clamp01(*relevance)
		relevance = &r
	}
	if itemID == "" {
		return c.Create(ctx, fallback)
	}

	if c.Remote() && strings.HasPrefix(itemID, localPrefix) {
		return c.promote(ctx, itemID, patch, relevance, fallback)
	}

	if c.Remote() {
		res := resilient.Do(ctx, c.logger, c.policy, "store.put", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.do(ctx, http.MethodPut, "/context/"+url.PathEscape(itemID), putBody{Data: patch, Relevance: relevance}, nil)
		})
		if res.OK() {
			c.journalMerge(ctx, itemID, patch, relevance)
			return WriteResult{ItemID: itemID, Remote: true}
		}
		if isMissing(res.Err) {
			c.logger.Info("update endpoint rejected item, creating instead",
				zap.String("item_id", itemID),
				zap.String("type", fallback.Type))
			return c.Create(ctx, fallback)
		}
		c.failed("put", res.Err, zap.String("item_id", itemID))
	}

	// Local-only: merge into the journal, or journal the full record.
	if c.journalMerge(ctx, itemID, patch, relevance) {
		return WriteResult{ItemID: itemID}
	}
	return c.Create(ctx, fallback)
}

// promote publishes a journal-only item once the remote store is reachable
// again, re-keying the journal entry to the remote id.
func (c *Client) promote(ctx context.Context, localID string, patch map[string]any, relevance *float64, fallback Item) WriteResult {
	if !c.journalMerge(ctx, localID, patch, relevance) {
		return c.Create(ctx, fallback)
	}
	item, ok, err := c.journal.Get(ctx, localID)
	if err != nil || !ok {
		c.logger.Warn("journaled item unreadable, creating from update", zap.String("id", localID), zap.Error(err))
		return c.Create(ctx, fallback)
	}

	id, ok := c.post(ctx, item)
	if !ok {
		return WriteResult{ItemID: localID}
	}
	if err := c.journal.Rekey(ctx, localID, id); err != nil {
		c.logger.Warn("journal re-key failed", zap.String("id", localID), zap.String("remote_id", id), zap.Error(err))
	}
	c.logger.Info("journaled item published", zap.String("local_id", localID), zap.String("item_id", id))
	return WriteResult{ItemID: id, Remote: true}
}

// Upsert updates itemID with item's full data, or creates item when itemID is
// empty or unknown to the store.
func (c *Client) Upsert(ctx context.Context, itemID string, item Item) WriteResult {
	patch, err := toMap(item.Data)
	if err != nil {
		c.logger.Warn("item data is not an object, creating new item", zap.Error(err))
		return c.Create(ctx, item)
	}
	rel := item.Relevance
	return c.Update(ctx, itemID, patch, &rel, item)
}

// =============================================================================
// READS
// =============================================================================

type sessionResponse struct {
	Status  string `json:"status"`
	Context struct {
		Items map[string]struct {
			Type      string         `json:"type"`
			Data      map[string]any `json:"data"`
			Timestamp string         `json:"timestamp"`
			Relevance float64        `json:"relevance"`
		} `json:"items"`
	} `json:"context"`
}

// SessionItems returns a session's items of itemType (all types when empty),
// ordered by timestamp.
func (c *Client) SessionItems(ctx context.Context, sessionID, itemType string) []Record {
	if c.Remote() {
		res := resilient.Do(ctx, c.logger, c.policy, "store.get", func(ctx context.Context) ([]Record, error) {
			var out sessionResponse
			if err := c.do(ctx, http.MethodGet, "/context?session_id="+url.QueryEscape(sessionID), nil, &out); err != nil {
				return nil, err
			}
			var recs []Record
			for id, it := range out.Context.Items {
				if itemType != "" && it.Type != itemType {
					continue
				}
				recs = append(recs, Record{ID: id, Type: it.Type, Data: it.Data, Timestamp: it.Timestamp, Relevance: it.Relevance})
			}
			sort.SliceStable(recs, func(i, j int) bool {
				if recs[i].Timestamp == recs[j].Timestamp {
					return recs[i].ID < recs[j].ID
				}
				return recs[i].Timestamp < recs[j].Timestamp
			})
			return recs, nil
		})
		if res.OK() {
			return res.Value
		}
		c.failed("get", res.Err, zap.String("session_id", sessionID))
	}
	return c.journalRead(func() ([]Record, error) { return c.journal.BySession(ctx, sessionID, itemType) })
}

type searchResponse struct {
	Status  string   `json:"status"`
	Results []Record `json:"results"`
}

// Search queries the store's search endpoint, keeping results of itemType
// (all types when empty).
func (c *Client) Search(ctx context.Context, query, itemType string) []Record {
	if c.Remote() {
		res := resilient.Do(ctx, c.logger, c.policy, "store.search", func(ctx context.Context) ([]Record, error) {
			var out searchResponse
			if err := c.do(ctx, http.MethodGet, "/context/search?query="+url.QueryEscape(query), nil, &out); err != nil {
				return nil, err
			}
			recs := make([]Record, 0, len(out.Results))
			for _, r := range out.Results {
				if itemType == "" || r.Type == itemType {
					recs = append(recs, r)
				}
			}
			return recs, nil
		})
		if res.OK() {
			return res.Value
		}
		c.failed("search", res.Err, zap.String("query", query))
	}
	return c.journalRead(func() ([]Record, error) { return c.journal.Search(ctx, query, itemType) })
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return resilient.Permanent(fmt.Errorf("failed to encode request: %w", err))
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return resilient.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &types.ExternalCallError{Service: "store", Op: strings.ToLower(method), Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &types.ExternalCallError{Service: "store", Op: strings.ToLower(method), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &types.ExternalCallError{
			Service: "store",
			Op:      strings.ToLower(method),
			Status:  resp.StatusCode,
			Err:     fmt.Errorf("%s", strings.TrimSpace(string(payload))),
		}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		// A 2xx with an unreadable body is a contract violation, not a blip.
		return resilient.Permanent(&types.IntegrityError{Field: path, Expected: "json object", Got: truncate(string(payload), 80)})
	}
	return nil
}

func isMissing(err error) bool {
	var ext *types.ExternalCallError
	return errors.As(err, &ext) && (ext.Status == http.StatusNotFound || ext.Status == http.StatusMethodNotAllowed)
}

func (c *Client) failed(op string, err error, fields ...zap.Field) {
	c.logger.Warn("context store call failed, continuing with local state",
		append([]zap.Field{zap.String("op", op), zap.Error(err)}, fields...)...)
	if c.onFailure != nil {
		c.onFailure(op)
	}
}

func (c *Client) journalPut(ctx context.Context, id string, remote bool, item Item) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Put(ctx, id, remote, item); err != nil {
		c.logger.Warn("journal write failed", zap.String("id", id), zap.Error(err))
	}
}

func (c *Client) journalMerge(ctx context.Context, id string, patch map[string]any, relevance *float64) bool {
	if c.journal == nil {
		return false
	}
	ok, err := c.journal.Merge(ctx, id, patch, relevance)
	if err != nil {
		c.logger.Warn("journal update failed", zap.String("id", id), zap.Error(err))
	}
	return ok
}

func (c *Client) journalRead(fn func() ([]Record, error)) []Record {
	if c.journal == nil {
		return nil
	}
	recs, err := fn()
	if err != nil {
		c.logger.Warn("journal read failed", zap.Error(err))
		return nil
	}
	return recs
}

func toMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
