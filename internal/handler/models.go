package handler

import (
	"encoding/json"
	"net/http"

	"github.com/xilu0/kiro-gateway/internal/kiro"
)

// modelEntry is one row of the GET /v1/models listing.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// modelList is the OpenAI-style list envelope.
type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// Models handles GET /v1/models.
func Models(w http.ResponseWriter, r *http.Request) {
	names := kiro.KnownModels()
	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(names))}
	for _, name := range names {
		list.Data = append(list.Data, modelEntry{
			ID:      name,
			Object:  "model",
			Created: 0,
			OwnedBy: "kiro",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}
