package kernel

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/kayz/keel/internal/logger"
	"github.com/kayz/keel/internal/store"
)

// ConfirmTTL is how long a pending confirmation stays redeemable
const ConfirmTTL = 5 * time.Minute

const confirmPrefix = "#CONFIRM:"

// PendingConfirmation is a deferred high-risk call set waiting for its
// token
type PendingConfirmation struct {
	Token     string
	Calls     []ToolCall
	ToolPlan  []string
	Request   string
	Preview   string
	Source    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ConfirmBackend persists confirmations so a token created by one
// process invocation can be redeemed by the next
type ConfirmBackend interface {
	SaveConfirmation(c *store.Confirmation) error
	FetchConfirmations() ([]*store.Confirmation, error)
	DeleteConfirmation(token string) error
}

// ConfirmStore holds pending confirmations behind a mutex-guarded map.
// Tokens are single-use and bound to the source that created them. A
// backend, when present, mirrors the map across process restarts.
type ConfirmStore struct {
	mu      sync.Mutex
	pending map[string]*PendingConfirmation
	backend ConfirmBackend
	now     func() time.Time
}

func NewConfirmStore() *ConfirmStore {
	return &ConfirmStore{
		pending: make(map[string]*PendingConfirmation),
		now:     time.Now,
	}
}

// NewPersistentConfirmStore mirrors the pending map into the backend
func NewPersistentConfirmStore(backend ConfirmBackend) *ConfirmStore {
	s := NewConfirmStore()
	s.backend = backend
	return s
}

// confirmPayload is the backend's serialized form of a confirmation
type confirmPayload struct {
	Calls    []ToolCall `json:"calls"`
	ToolPlan []string   `json:"tool_plan,omitempty"`
	Request  string     `json:"request"`
	Preview  string     `json:"preview"`
}

// Save registers a high-risk call set and returns its confirmation
func (s *ConfirmStore) Save(calls []ToolCall, toolPlan []string, request, preview, source string) *PendingConfirmation {
	token := newConfirmToken()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	now := s.now()
	pc := &PendingConfirmation{
		Token:     token,
		Calls:     calls,
		ToolPlan:  toolPlan,
		Request:   request,
		Preview:   preview,
		Source:    source,
		CreatedAt: now,
		ExpiresAt: now.Add(ConfirmTTL),
	}
	s.pending[token] = pc
	s.persistLocked(pc)
	return pc
}

// Consume redeems a token exactly once. Unknown, expired or
// wrong-source tokens all fail the same way so a caller cannot probe
// which tokens exist.
func (s *ConfirmStore) Consume(token, source string) (*PendingConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrateLocked()
	s.sweepLocked()

	pc, ok := s.pending[token]
	if !ok {
		return nil, ErrConfirmationInvalid
	}
	// An empty stored source binds to no channel; otherwise the
	// consuming source must match to stop cross-channel replay.
	if pc.Source != "" && pc.Source != source {
		return nil, ErrConfirmationInvalid
	}
	s.removeLocked(token)
	return pc, nil
}

// Pending reports how many confirmations are currently redeemable
func (s *ConfirmStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrateLocked()
	s.sweepLocked()
	return len(s.pending)
}

func (s *ConfirmStore) sweepLocked() {
	now := s.now()
	for token, pc := range s.pending {
		// Expiry is inclusive: a token presented at the exact instant is gone.
		if !pc.ExpiresAt.After(now) {
			s.removeLocked(token)
		}
	}
}

func (s *ConfirmStore) removeLocked(token string) {
	delete(s.pending, token)
	if s.backend != nil {
		if err := s.backend.DeleteConfirmation(token); err != nil {
			logger.Warn("[CONFIRM] Failed to delete stored confirmation: %v", err)
		}
	}
}

func (s *ConfirmStore) persistLocked(pc *PendingConfirmation) {
	if s.backend == nil {
		return
	}
	payload, err := json.Marshal(confirmPayload{
		Calls:    pc.Calls,
		ToolPlan: pc.ToolPlan,
		Request:  pc.Request,
		Preview:  pc.Preview,
	})
	if err != nil {
		logger.Warn("[CONFIRM] Failed to encode confirmation: %v", err)
		return
	}
	err = s.backend.SaveConfirmation(&store.Confirmation{
		Token:     pc.Token,
		Payload:   string(payload),
		Source:    pc.Source,
		CreatedAt: pc.CreatedAt,
		ExpiresAt: pc.ExpiresAt,
	})
	if err != nil {
		logger.Warn("[CONFIRM] Failed to persist confirmation: %v", err)
	}
}

// hydrateLocked merges stored confirmations into the map; in-memory
// entries win on token collision
func (s *ConfirmStore) hydrateLocked() {
	if s.backend == nil {
		return
	}
	stored, err := s.backend.FetchConfirmations()
	if err != nil {
		logger.Warn("[CONFIRM] Failed to load stored confirmations: %v", err)
		return
	}
	for _, c := range stored {
		if _, ok := s.pending[c.Token]; ok {
			continue
		}
		var payload confirmPayload
		if err := json.Unmarshal([]byte(c.Payload), &payload); err != nil {
			logger.Warn("[CONFIRM] Dropping undecodable confirmation %s: %v", c.Token, err)
			s.removeLocked(c.Token)
			continue
		}
		s.pending[c.Token] = &PendingConfirmation{
			Token:     c.Token,
			Calls:     payload.Calls,
			ToolPlan:  payload.ToolPlan,
			Request:   payload.Request,
			Preview:   payload.Preview,
			Source:    c.Source,
			CreatedAt: c.CreatedAt,
			ExpiresAt: c.ExpiresAt,
		}
	}
}

func newConfirmToken() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in a bad state
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// FormatConfirmToken renders a token the way users must echo it back
func FormatConfirmToken(token string) string {
	return confirmPrefix + token
}

// ParseConfirmToken extracts the token from a "#CONFIRM:<token>"
// message, tolerating surrounding text
func ParseConfirmToken(text string) (string, bool) {
	idx := strings.Index(text, confirmPrefix)
	if idx < 0 {
		return "", false
	}
	rest := text[idx+len(confirmPrefix):]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return !isHexRune(r)
	})
	if end < 0 {
		end = len(rest)
	}
	token := rest[:end]
	if len(token) < 12 {
		return "", false
	}
	return token, true
}

func isHexRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'f':
		return true
	case r >= 'A' && r <= 'F':
		return true
	}
	return false
}
