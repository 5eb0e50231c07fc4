package handler

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/kiranshivaraju/colorgate/internal/api/middleware"
	"github.com/kiranshivaraju/colorgate/internal/api/response"
	"github.com/kiranshivaraju/colorgate/internal/store"
	"github.com/kiranshivaraju/colorgate/pkg/models"
)

const rawKeyPrefix = "cg_"

var validate = validator.New()

type createClientRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type createKeyRequest struct {
	Name     string   `json:"name" validate:"required,max=100"`
	Scopes   []string `json:"scopes" validate:"omitempty,dive,oneof=jobs admin"`
	ClientID string   `json:"client_id" validate:"omitempty,uuid"`
}

func (r *createClientRequest) trim() { r.Name = strings.TrimSpace(r.Name) }
func (r *createKeyRequest) trim() { r.Name = strings.TrimSpace(r.Name) }

// AdminStore is the store surface used by the admin endpoints.
type AdminStore interface {
	CreateClient(ctx context.Context, client *models.Client) error
	GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, clientID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, clientID uuid.UUID) error
}

// keyView is an API key as listed. Neither the raw key nor its hash is ever
// part of it.
type keyView struct {
	ID         uuid.UUID  `json:"id"`
	ClientID   uuid.UUID  `json:"client_id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func viewOf(k *models.APIKey) keyView {
	return keyView{
		ID:         k.ID,
		ClientID:   k.ClientID,
		Name:       k.Name,
		KeyPrefix:  k.KeyPrefix,
		Scopes:     k.Scopes,
		LastUsedAt: k.LastUsedAt,
		CreatedAt:  k.CreatedAt,
	}
}

// GenerateKey returns a new raw API key and its bcrypt hash.
func GenerateKey(cost int) (raw, hash string, err error) {
	raw = rawKeyPrefix + strings.ToLower(rand.Text())
	h, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", "", err
	}
	return raw, string(h), nil
}

// NewCreateClientHandler returns an http.HandlerFunc for POST /api/v1/admin/clients.
func NewCreateClientHandler(s AdminStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createClientRequest
		if !decodeValid(w, r, &req) {
			return
		}

		now := time.Now().UTC()
		client := &models.Client{ID: uuid.New(), Name: req.Name, CreatedAt: now, UpdatedAt: now}
		if err := s.CreateClient(r.Context(), client); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_CLIENT", "A client with this name already exists", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create client", nil)
			return
		}
		response.Created(w, client)
	}
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key is part of this response only.
func NewCreateKeyHandler(s AdminStore, cost int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createKeyRequest
		if !decodeValid(w, r, &req) {
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{models.ScopeJobs}
		}

		clientID, ok := targetClient(w, r, req.ClientID)
		if !ok {
			return
		}
		if req.ClientID != "" {
			if _, err := s.GetClient(r.Context(), clientID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					response.Error(w, http.StatusNotFound, "CLIENT_NOT_FOUND", "Client not found", nil)
					return
				}
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load client", nil)
				return
			}
		}

		rawKey, hash, err := GenerateKey(cost)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create key", nil)
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			ClientID:  clientID,
			Name:      req.Name,
			KeyHash:   hash,
			KeyPrefix: rawKey[:mw.KeyPrefixLen],
			Scopes:    req.Scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "API key with this name already exists", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create key", nil)
			return
		}

		response.Created(w, struct {
			keyView
			Key string `json:"key"`
		}{keyView: viewOf(key), Key: rawKey})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(s AdminStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID, ok := targetClient(w, r, r.URL.Query().Get("client_id"))
		if !ok {
			return
		}

		keys, err := s.ListAPIKeys(r.Context(), clientID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list keys", nil)
			return
		}

		views := make([]keyView, len(keys))
		for i, k := range keys {
			views[i] = viewOf(k)
		}
		response.JSON(w, views)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(s AdminStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID, ok := targetClient(w, r, r.URL.Query().Get("client_id"))
		if !ok {
			return
		}

		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "Invalid key ID", nil)
			return
		}

		if err := s.RevokeAPIKey(r.Context(), keyID, clientID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke key", nil)
			return
		}
		response.NoContent(w)
	}
}

// decodeValid decodes the JSON body into req, trims its name and validates it.
// It writes a 400 and returns false on failure.
func decodeValid(w http.ResponseWriter, r *http.Request, req interface{ trim() }) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	req.trim()
	if err := validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Validation error: "+err.Error(), nil)
		return false
	}
	return true
}

// targetClient returns the client an admin request acts on: the explicit id
// when given, otherwise the caller's own client.
func targetClient(w http.ResponseWriter, r *http.Request, explicit string) (uuid.UUID, bool) {
	if explicit != "" {
		id, err := uuid.Parse(explicit)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_CLIENT_ID", "Invalid client ID", nil)
			return uuid.Nil, false
		}
		return id, true
	}
	id, ok := mw.GetClientID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing client", nil)
		return uuid.Nil, false
	}
	return id, true
}
