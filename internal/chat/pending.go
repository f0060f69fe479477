package chat

import (
	"encoding/json"
	"io"
	"time"

	"github.com/dotcommander/relay/internal/proto"
	"github.com/dotcommander/relay/internal/storage/cache"
)

// Pending is a suspended tool round awaiting an approval decision. It holds
// everything needed to rebuild the second upstream request: the original
// messages, the accumulated tool calls, and the text the model produced
// alongside them.
type Pending struct {
	ID            string           `json:"id"`
	ModelID       string           `json:"model_id"`
	ServerType    string           `json:"server_type"`
	Messages      []proto.Message  `json:"messages"`
	ToolCalls     []proto.ToolCall `json:"tool_calls"`
	AssistantText string           `json:"assistant_message"`
	CreatedAt     time.Time        `json:"created_at"`
}

// PendingStore persists suspended rounds across requests, so approval can
// arrive on a separate HTTP call, or after a restart.
type PendingStore struct {
	cache *cache.Cache[Pending]
}

// NewPendingStore creates a store rooted at baseDir.
func NewPendingStore(baseDir string) (*PendingStore, error) {
	c, err := cache.New[Pending](baseDir, cache.PendingCache)
	if err != nil {
		return nil, err
	}
	return &PendingStore{cache: c}, nil
}

// Put writes the record under its ID.
func (s *PendingStore) Put(p Pending) error {
	return s.cache.Write(p.ID, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(p)
	})
}

// Get loads the record stored under id.
func (s *PendingStore) Get(id string) (Pending, error) {
	var p Pending
	err := s.cache.Read(id, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&p)
	})
	return p, err
}

// Delete removes the record. Deleting an absent record reports not-exist,
// which callers treat as already done.
func (s *PendingStore) Delete(id string) error {
	return s.cache.Delete(id)
}

// IsNotExist reports whether err means the pending record was absent.
func IsNotExist(err error) bool {
	return cache.IsNotExist(err)
}
