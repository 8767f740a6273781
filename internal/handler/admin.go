package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xilu0/kiro-gateway/internal/dispatch"
	"github.com/xilu0/kiro-gateway/internal/store"
)

// ProxySettings is the runtime proxy configuration surfaced through the
// admin portal. APIKey changes take effect immediately for the auth
// middleware via the Key accessor.
type ProxySettings struct {
	mu      sync.RWMutex
	enabled bool
	port    int
	apiKey  string
}

// NewProxySettings creates the settings holder.
func NewProxySettings(enabled bool, port int, apiKey string) *ProxySettings {
	return &ProxySettings{enabled: enabled, port: port, apiKey: apiKey}
}

// Key returns the current API key; empty disables authentication.
func (p *ProxySettings) Key() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.apiKey
}

func (p *ProxySettings) snapshot() (bool, int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled, p.port, p.apiKey != ""
}

func (p *ProxySettings) update(enabled bool, port int, apiKey *string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
	if port > 0 {
		p.port = port
	}
	if apiKey != nil {
		p.apiKey = *apiKey
	}
}

// AdminHandler serves the admin portal page and its JSON endpoints.
type AdminHandler struct {
	store      store.AccountStore
	dispatcher *dispatch.Dispatcher
	settings   *ProxySettings
	logger     *slog.Logger
}

// AdminHandlerOptions configures the admin handler.
type AdminHandlerOptions struct {
	Store      store.AccountStore
	Dispatcher *dispatch.Dispatcher
	Settings   *ProxySettings
	Logger     *slog.Logger
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(opts AdminHandlerOptions) *AdminHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		settings:   opts.Settings,
		logger:     logger,
	}
}

// Register wires the admin routes onto the mux.
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin", h.servePortal)
	mux.HandleFunc("GET /admin/data", h.serveData)
	mux.HandleFunc("POST /admin/proxy", h.updateProxy)
	mux.HandleFunc("POST /admin/account", h.addAccount)
	mux.HandleFunc("DELETE /admin/account", h.deleteAccount)
	mux.HandleFunc("POST /admin/usage/refresh", h.refreshUsage)
}

func (h *AdminHandler) servePortal(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(adminPortalHTML))
}

// adminDataAccount is one row of the /admin/data account listing.
type adminDataAccount struct {
	ID     string          `json:"id"`
	Email  string          `json:"email,omitempty"`
	Status string          `json:"status"`
	Usage  *adminDataUsage `json:"usage,omitempty"`
}

type adminDataUsage struct {
	Limit   int64 `json:"limit"`
	Current int64 `json:"current"`
}

type adminDataProxy struct {
	Enabled   bool `json:"enabled"`
	Port      int  `json:"port"`
	APIKeySet bool `json:"apiKeySet"`
}

func (h *AdminHandler) serveData(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	rows := make([]adminDataAccount, 0, len(accounts))
	for _, acc := range accounts {
		row := adminDataAccount{ID: acc.ID, Email: acc.Email, Status: acc.Status}
		if h.dispatcher.CooldownRemaining(acc.ID) > 0 {
			row.Status = store.StatusError
		}
		if acc.UsageLimit != nil && acc.UsageCurrent != nil {
			row.Usage = &adminDataUsage{Limit: *acc.UsageLimit, Current: *acc.UsageCurrent}
		}
		rows = append(rows, row)
	}

	enabled, port, keySet := h.settings.snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accounts": rows,
		"proxy":    adminDataProxy{Enabled: enabled, Port: port, APIKeySet: keySet},
	})
}

func (h *AdminHandler) updateProxy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool    `json:"enabled"`
		Port    int     `json:"port"`
		APIKey  *string `json:"apiKey,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	h.settings.update(req.Enabled, req.Port, req.APIKey)
	h.logger.Info("proxy settings updated", "enabled", req.Enabled, "port", req.Port, "api_key_changed", req.APIKey != nil)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// addAccount imports an account from an OIDC file pair: tokenFile carries the
// credentials, clientFile the client registration for IdC accounts.
func (h *AdminHandler) addAccount(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(4 << 20); err != nil {
		http.Error(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}

	tokenData, err := readFormFile(r, "tokenFile")
	if err != nil {
		http.Error(w, "tokenFile: "+err.Error(), http.StatusBadRequest)
		return
	}

	var creds store.Credentials
	if err := json.Unmarshal(tokenData, &creds); err != nil {
		http.Error(w, "tokenFile: invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if creds.RefreshToken == "" {
		http.Error(w, "tokenFile: refreshToken is required", http.StatusBadRequest)
		return
	}

	if clientData, err := readFormFile(r, "clientFile"); err == nil {
		var ident struct {
			ClientID     string `json:"clientId"`
			ClientSecret string `json:"clientSecret"`
			Region       string `json:"region,omitempty"`
		}
		if err := json.Unmarshal(clientData, &ident); err != nil {
			http.Error(w, "clientFile: invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		if creds.ClientID == "" {
			creds.ClientID = ident.ClientID
		}
		if creds.ClientSecret == "" {
			creds.ClientSecret = ident.ClientSecret
		}
		if creds.Region == "" {
			creds.Region = ident.Region
		}
	}

	if !creds.IsSocial() && (creds.ClientID == "" || creds.ClientSecret == "") {
		http.Error(w, "IdC accounts require clientId and clientSecret", http.StatusBadRequest)
		return
	}

	acc := &store.Account{
		ID:          uuid.New().String(),
		Credentials: creds,
		Status:      store.StatusActive,
		AddedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.store.Put(r.Context(), acc); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	h.logger.Info("account imported", "id", acc.ID, "auth_method", creds.AuthMethod)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"id": acc.ID})
}

func (h *AdminHandler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id query parameter is required", http.StatusBadRequest)
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		status := http.StatusBadGateway
		if err == store.ErrAccountNotFound {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	h.logger.Info("account deleted", "id", id)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (h *AdminHandler) refreshUsage(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.RefreshUsage(r.Context()); err != nil {
		h.logger.Warn("usage refresh finished with errors", "error", err)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func readFormFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	return io.ReadAll(io.LimitReader(file, 1<<20))
}

// adminPortalHTML is a minimal portal page; the full browser UI ships with
// the desktop shell and talks to the JSON endpoints above.
const adminPortalHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Kiro Gateway</title></head>
<body>
<h1>Kiro Gateway</h1>
<p>Account data: <a href="/admin/data">/admin/data</a></p>
</body>
</html>
`
