package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// datastoreClient talks to the datastore gateway (or its local
// emulator) over a small JSON surface: upsert, get, delete and a
// single-property equality query. Entries are namespaced by kind and
// suffixed with the environment name.
type datastoreClient struct {
	baseURL string
	env     string
	http    *http.Client
}

func newDatastoreClient(baseURL, env string) *datastoreClient {
	return &datastoreClient{
		baseURL: baseURL,
		env:     env,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *datastoreClient) kind(kind string) string {
	if c.env == "" {
		return kind
	}
	return fmt.Sprintf("%s-%s", kind, c.env)
}

type datastoreRequest struct {
	Kind     string          `json:"kind"`
	Name     string          `json:"name,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Property string          `json:"property,omitempty"`
	Equals   string          `json:"equals,omitempty"`
}

type datastoreResponse struct {
	Entity   json.RawMessage   `json:"entity,omitempty"`
	Entities []json.RawMessage `json:"entities,omitempty"`
	Found    bool              `json:"found,omitempty"`
}

func (c *datastoreClient) do(ctx context.Context, op string, request datastoreRequest) (*datastoreResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/%s", c.baseURL, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "datastore %s", op)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("datastore %s: unexpected status %d: %s", op, resp.StatusCode, respBody)
	}
	var parsed datastoreResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errors.Wrapf(err, "datastore %s: decode response", op)
	}
	return &parsed, nil
}

func (c *datastoreClient) upsert(ctx context.Context, kind, name string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "upsert", datastoreRequest{Kind: c.kind(kind), Name: name, Value: raw})
	return err
}

func (c *datastoreClient) get(ctx context.Context, kind, name string) (json.RawMessage, bool, error) {
	resp, err := c.do(ctx, "get", datastoreRequest{Kind: c.kind(kind), Name: name})
	if err != nil {
		return nil, false, err
	}
	return resp.Entity, resp.Found, nil
}

func (c *datastoreClient) delete(ctx context.Context, kind, name string) error {
	_, err := c.do(ctx, "delete", datastoreRequest{Kind: c.kind(kind), Name: name})
	return err
}

func (c *datastoreClient) query(ctx context.Context, kind, property, equals string) ([]json.RawMessage, error) {
	resp, err := c.do(ctx, "query", datastoreRequest{Kind: c.kind(kind), Property: property, Equals: equals})
	if err != nil {
		return nil, err
	}
	return resp.Entities, nil
}

func decodeEntity(entity json.RawMessage, out interface{}) error {
	return errors.Wrap(json.Unmarshal(entity, out), "decode entity")
}
