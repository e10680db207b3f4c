package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/charles-ascot/lay-engine/internal/models"
)

// APIKeyView is the masked listing shape; the full key is returned only
// once, at creation.
type APIKeyView struct {
	KeyID     string `json:"key_id"`
	Label     string `json:"label"`
	Preview   string `json:"preview"`
	CreatedAt string `json:"created_at"`
	LastUsed  string `json:"last_used,omitempty"`
}

// CreateAPIKey mints a new control-surface key and persists it.
func (e *Engine) CreateAPIKey(label string) (models.APIKey, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return models.APIKey{}, err
	}

	key := models.APIKey{
		KeyID:     uuid.NewString(),
		Key:       "lek_" + hex.EncodeToString(raw),
		Label:     label,
		CreatedAt: e.now(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc.APIKeys = append(e.doc.APIKeys, key)
	e.flushLocked(context.Background())

	e.audit.WithField("key_id", key.KeyID).Info("api key created")
	return key, nil
}

// ListAPIKeys returns masked views of all keys.
func (e *Engine) ListAPIKeys() []APIKeyView {
	e.mu.Lock()
	defer e.mu.Unlock()

	views := make([]APIKeyView, 0, len(e.doc.APIKeys))
	for i := range e.doc.APIKeys {
		k := &e.doc.APIKeys[i]
		v := APIKeyView{
			KeyID:     k.KeyID,
			Label:     k.Label,
			Preview:   k.Preview(),
			CreatedAt: k.CreatedAt.UTC().Format(time.RFC3339),
		}
		if k.LastUsed != nil {
			v.LastUsed = k.LastUsed.UTC().Format(time.RFC3339)
		}
		views = append(views, v)
	}
	return views
}

// RevokeAPIKey deletes a key by ID.
func (e *Engine) RevokeAPIKey(keyID string) OpResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.doc.APIKeys {
		if e.doc.APIKeys[i].KeyID == keyID {
			e.doc.APIKeys = append(e.doc.APIKeys[:i], e.doc.APIKeys[i+1:]...)
			e.flushLocked(context.Background())
			e.audit.WithField("key_id", keyID).Info("api key revoked")
			return ok(nil)
		}
	}
	return opError("not_found")
}

// ValidateAPIKey checks a presented key and stamps its last use. When no
// keys exist yet the surface is open, so the first key can be created.
func (e *Engine) ValidateAPIKey(presented string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.doc.APIKeys) == 0 {
		return true
	}
	for i := range e.doc.APIKeys {
		if e.doc.APIKeys[i].Key == presented {
			now := e.now()
			e.doc.APIKeys[i].LastUsed = &now
			return true
		}
	}
	return false
}
