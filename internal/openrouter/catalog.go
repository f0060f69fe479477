package openrouter

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrModelNotFound is returned when a model id is absent from the catalog.
var ErrModelNotFound = errors.New("model not found")

// Model is one catalog record. Architecture describes which input and output
// modalities the model accepts.
type Model struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Architecture Architecture `json:"architecture"`
}

// Architecture lists a model's supported modalities ("text", "image",
// "audio", "file").
type Architecture struct {
	InputModalities  []string `json:"input_modalities"`
	OutputModalities []string `json:"output_modalities"`
}

// SupportsInput reports whether the model accepts the given input modality.
func (m Model) SupportsInput(modality string) bool {
	for _, have := range m.Architecture.InputModalities {
		if have == modality {
			return true
		}
	}
	return false
}

// Catalog caches the model listing, refreshing it after the TTL expires.
// Lookups between refreshes are served from memory so per-request model
// validation stays cheap.
type Catalog struct {
	client *Client
	ttl    time.Duration

	mu      sync.Mutex
	fetched time.Time
	models  map[string]Model
}

// NewCatalog wraps client with a cache that refetches after ttl.
func NewCatalog(client *Client, ttl time.Duration) *Catalog {
	return &Catalog{client: client, ttl: ttl}
}

// Model returns the catalog record for id, refreshing the cache if stale.
func (c *Catalog) Model(ctx context.Context, id string) (Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(ctx); err != nil {
		return Model{}, err
	}
	m, ok := c.models[id]
	if !ok {
		return Model{}, ErrModelNotFound
	}
	return m, nil
}

// Models returns all catalog records, refreshing the cache if stale.
func (c *Catalog) Models(ctx context.Context) ([]Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	return out, nil
}

func (c *Catalog) refreshLocked(ctx context.Context) error {
	if c.models != nil && time.Since(c.fetched) < c.ttl {
		return nil
	}
	listed, err := c.client.Models(ctx)
	if err != nil {
		// A stale catalog beats no catalog.
		if c.models != nil {
			return nil
		}
		return err
	}
	models := make(map[string]Model, len(listed))
	for _, m := range listed {
		models[m.ID] = m
	}
	c.models = models
	c.fetched = time.Now()
	return nil
}
