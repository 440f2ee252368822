package vecstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Upsert batching: the data plane accepts at most 100 vectors per call, and
// consecutive batches are paced ~200ms apart.
const (
	upsertBatchSize     = 100
	upsertBatchInterval = 200 * time.Millisecond
)

// IndexDescription is the control plane's description of one index.
type IndexDescription struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Host      string `json:"host"`
	Metric    string `json:"metric"`
}

// IndexStats is the cheap stats snapshot used for health checking.
type IndexStats struct {
	TotalVectorCount int
	Dimension        int
	Namespaces       map[string]int
}

// UnmarshalJSON tolerates both casing conventions the service emits for the
// same field (camelCase and snake_case).
func (s *IndexStats) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if msg, ok := pickKey(raw, "totalVectorCount", "total_vector_count"); ok {
		if err := json.Unmarshal(msg, &s.TotalVectorCount); err != nil {
			return fmt.Errorf("decoding total vector count: %w", err)
		}
	}
	if msg, ok := pickKey(raw, "dimension"); ok {
		if err := json.Unmarshal(msg, &s.Dimension); err != nil {
			return fmt.Errorf("decoding dimension: %w", err)
		}
	}
	if msg, ok := pickKey(raw, "namespaces"); ok {
		var nss map[string]map[string]json.RawMessage
		if err := json.Unmarshal(msg, &nss); err != nil {
			return fmt.Errorf("decoding namespaces: %w", err)
		}
		s.Namespaces = make(map[string]int, len(nss))
		for name, fields := range nss {
			var count int
			if msg, ok := pickKey(fields, "vectorCount", "vector_count"); ok {
				if err := json.Unmarshal(msg, &count); err != nil {
					return fmt.Errorf("decoding namespace %q count: %w", name, err)
				}
			}
			s.Namespaces[name] = count
		}
	}
	return nil
}

// Vector is one embedding plus its metadata.
type Vector struct {
	ID       string    `json:"id"`
	Values   []float32 `json:"values"`
	Metadata Metadata  `json:"metadata,omitempty"`
}

// Match is one similarity search hit.
type Match struct {
	ID       string    `json:"id"`
	Score    float32   `json:"score"`
	Values   []float32 `json:"values,omitempty"`
	Metadata Metadata  `json:"metadata,omitempty"`
}

// QueryRequest describes a similarity query.
type QueryRequest struct {
	Vector    []float32
	TopK      int
	Namespace string
	Filter    Filter
}

// QueryResponse carries the matches for one query.
type QueryResponse struct {
	Matches   []Match
	Namespace string
}

// UnmarshalJSON tolerates both casing conventions for response fields.
func (r *QueryResponse) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if msg, ok := pickKey(raw, "matches"); ok {
		if err := json.Unmarshal(msg, &r.Matches); err != nil {
			return fmt.Errorf("decoding matches: %w", err)
		}
	}
	if msg, ok := pickKey(raw, "namespace"); ok {
		if err := json.Unmarshal(msg, &r.Namespace); err != nil {
			return fmt.Errorf("decoding namespace: %w", err)
		}
	}
	return nil
}

// pickKey returns the first present key from a decoded JSON object.
func pickKey(raw map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if msg, ok := raw[k]; ok {
			return msg, true
		}
	}
	return nil, false
}

// baseURL normalizes a host into a URL prefix. Hosts that already carry a
// scheme (httptest servers) are used as-is.
func baseURL(host string) string {
	if strings.Contains(host, "://") {
		return strings.TrimSuffix(host, "/")
	}
	return "https://" + host
}

func (c *Client) controllerURL(path string) string {
	return baseURL(c.controllerHost) + path
}

// ListIndexes lists the names of all indexes in the project.
func (c *Client) ListIndexes(ctx context.Context) ([]string, error) {
	var resp struct {
		Indexes []IndexDescription `json:"indexes"`
	}
	if err := c.execute(ctx, http.MethodGet, c.controllerURL("/indexes"), nil, &resp); err != nil {
		return nil, fmt.Errorf("listing indexes: %w", err)
	}
	names := make([]string, len(resp.Indexes))
	for i, d := range resp.Indexes {
		names[i] = d.Name
	}
	return names, nil
}

// DescribeIndex fetches the control-plane description for one index.
func (c *Client) DescribeIndex(ctx context.Context, name string) (*IndexDescription, error) {
	var desc IndexDescription
	err := c.execute(ctx, http.MethodGet, c.controllerURL("/indexes/"+url.PathEscape(name)), nil, &desc)
	if err != nil {
		return nil, fmt.Errorf("describing index %q: %w", name, err)
	}
	return &desc, nil
}

// CreateIndex creates a new index with the given dimension and metric.
func (c *Client) CreateIndex(ctx context.Context, name string, dimension int, metric string) error {
	if metric == "" {
		metric = "cosine"
	}
	body := map[string]any{
		"name":      name,
		"dimension": dimension,
		"metric":    metric,
	}
	if err := c.execute(ctx, http.MethodPost, c.controllerURL("/indexes"), body, nil); err != nil {
		return fmt.Errorf("creating index %q: %w", name, err)
	}
	return nil
}

// DeleteIndex removes an index. The cached host for it is dropped.
func (c *Client) DeleteIndex(ctx context.Context, name string) error {
	if err := c.execute(ctx, http.MethodDelete, c.controllerURL("/indexes/"+url.PathEscape(name)), nil, nil); err != nil {
		return fmt.Errorf("deleting index %q: %w", name, err)
	}
	c.hosts.invalidate(name)
	return nil
}

// resolveHost returns the data-plane host for the active index, reusing a
// cached value younger than the TTL.
func (c *Client) resolveHost(ctx context.Context) (string, error) {
	index := c.ActiveIndex()
	if index == "" {
		return "", ErrNoIndexSelected
	}

	if host, ok := c.hosts.get(index); ok {
		return host, nil
	}

	desc, err := c.DescribeIndex(ctx, index)
	if err != nil {
		return "", fmt.Errorf("resolving host: %w", err)
	}
	if desc.Host == "" {
		return "", fmt.Errorf("resolving host: index %q has no host", index)
	}
	c.hosts.put(index, desc.Host)
	c.logger.Debug("resolved index host", "index", index, "host", desc.Host)
	return desc.Host, nil
}

// dataURL builds a data-plane URL for the active index.
func (c *Client) dataURL(ctx context.Context, path string) (string, error) {
	host, err := c.resolveHost(ctx)
	if err != nil {
		return "", err
	}
	return baseURL(host) + path, nil
}

// Stats fetches the index stats snapshot.
func (c *Client) Stats(ctx context.Context) (*IndexStats, error) {
	u, err := c.dataURL(ctx, "/describe_index_stats")
	if err != nil {
		return nil, err
	}
	var stats IndexStats
	if err := c.execute(ctx, http.MethodPost, u, map[string]any{}, &stats); err != nil {
		return nil, fmt.Errorf("fetching index stats: %w", err)
	}
	return &stats, nil
}

// Healthy is the cheap preflight gate used before expensive query
// operations. It never returns an error: while the circuit is open it
// reports false without network I/O; otherwise it runs a short-timeout stats
// request and feeds the result into the circuit breaker. A single success
// closes the circuit.
func (c *Client) Healthy(ctx context.Context) bool {
	if c.ActiveIndex() == "" {
		return false
	}
	if !c.breaker.allow() {
		c.logger.Debug("health check skipped, circuit open")
		return false
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	if _, err := c.Stats(checkCtx); err != nil {
		c.breaker.failure()
		c.logger.Warn("health check failed",
			"index", c.ActiveIndex(), "state", c.breaker.currentState().String(), "error", err)
		return false
	}
	c.breaker.success()
	return true
}

// Upsert writes vectors into a namespace, batched at upsertBatchSize per
// call with upsertBatchInterval pacing between batches. Returns the total
// number of vectors the service acknowledged.
func (c *Client) Upsert(ctx context.Context, namespace string, vectors []Vector) (int, error) {
	u, err := c.dataURL(ctx, "/vectors/upsert")
	if err != nil {
		return 0, err
	}

	total := 0
	for start := 0; start < len(vectors); start += upsertBatchSize {
		if start > 0 {
			if err := c.sleep(ctx, upsertBatchInterval); err != nil {
				return total, fmt.Errorf("canceled between upsert batches: %w", err)
			}
		}

		end := min(start+upsertBatchSize, len(vectors))
		body := map[string]any{
			"vectors":   vectors[start:end],
			"namespace": namespace,
		}

		var resp struct {
			UpsertedCount  int `json:"upsertedCount"`
			UpsertedCount2 int `json:"upserted_count"`
		}
		if err := c.execute(ctx, http.MethodPost, u, body, &resp); err != nil {
			return total, fmt.Errorf("upserting batch at %d: %w", start, err)
		}
		total += max(resp.UpsertedCount, resp.UpsertedCount2)
	}
	return total, nil
}

// Query runs a similarity search against the active index. While the
// circuit is open it fails fast without a network call.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if !c.breaker.allow() {
		return nil, ErrCircuitOpen
	}

	u, err := c.dataURL(ctx, "/query")
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"vector":          req.Vector,
		"topK":            req.TopK,
		"includeMetadata": true,
	}
	if req.Namespace != "" {
		body["namespace"] = req.Namespace
	}
	if !req.Filter.IsZero() {
		body["filter"] = req.Filter
	}

	var resp QueryResponse
	if err := c.execute(ctx, http.MethodPost, u, body, &resp); err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	return &resp, nil
}

// Fetch retrieves vectors by ID.
func (c *Client) Fetch(ctx context.Context, namespace string, ids []string) (map[string]Vector, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("ids", id)
	}
	if namespace != "" {
		q.Set("namespace", namespace)
	}

	u, err := c.dataURL(ctx, "/vectors/fetch?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp struct {
		Vectors map[string]Vector `json:"vectors"`
	}
	if err := c.execute(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching vectors: %w", err)
	}
	return resp.Vectors, nil
}

// Update overwrites a vector's values and/or metadata by ID.
func (c *Client) Update(ctx context.Context, namespace, id string, values []float32, metadata Metadata) error {
	u, err := c.dataURL(ctx, "/vectors/update")
	if err != nil {
		return err
	}

	body := map[string]any{"id": id}
	if namespace != "" {
		body["namespace"] = namespace
	}
	if values != nil {
		body["values"] = values
	}
	if metadata != nil {
		body["setMetadata"] = metadata
	}

	if err := c.execute(ctx, http.MethodPost, u, body, nil); err != nil {
		return fmt.Errorf("updating vector %q: %w", id, err)
	}
	return nil
}

// Delete removes vectors by ID or by metadata filter.
func (c *Client) Delete(ctx context.Context, namespace string, ids []string, filter Filter) error {
	u, err := c.dataURL(ctx, "/vectors/delete")
	if err != nil {
		return err
	}

	body := map[string]any{}
	if namespace != "" {
		body["namespace"] = namespace
	}
	if len(ids) > 0 {
		body["ids"] = ids
	}
	if !filter.IsZero() {
		body["filter"] = filter
	}

	if err := c.execute(ctx, http.MethodPost, u, body, nil); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	return nil
}

// CreateNamespace creates a logical partition within the active index.
func (c *Client) CreateNamespace(ctx context.Context, name string) error {
	u, err := c.dataURL(ctx, "/namespaces")
	if err != nil {
		return err
	}
	if err := c.execute(ctx, http.MethodPost, u, map[string]any{"name": name}, nil); err != nil {
		return fmt.Errorf("creating namespace %q: %w", name, err)
	}
	return nil
}

// DeleteNamespace removes a namespace and all vectors in it.
func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	u, err := c.dataURL(ctx, "/namespaces/"+url.PathEscape(name))
	if err != nil {
		return err
	}
	if err := c.execute(ctx, http.MethodDelete, u, nil, nil); err != nil {
		return fmt.Errorf("deleting namespace %q: %w", name, err)
	}
	return nil
}
