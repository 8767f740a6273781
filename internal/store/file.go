package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileStore is the standalone-mode backend: a single-account pool read from a
// kiro-auth-token.json file (and optional client-identifier JSON), reloaded
// whenever the file changes on disk. Mutations other than credential updates
// are kept in memory only; the token file is rewritten when a refresh yields
// new credentials so the desktop client and the gateway stay in sync.
type FileStore struct {
	tokenPath  string
	clientPath string
	logger     *slog.Logger

	mu      sync.RWMutex
	account Account

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// clientIdentifier mirrors the auxiliary client-registration JSON written by
// the Kiro IdC flow next to the token cache.
type clientIdentifier struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Region       string `json:"region,omitempty"`
}

// NewFileStore loads the token file and starts watching it for changes.
func NewFileStore(tokenPath, clientPath string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &FileStore{
		tokenPath:  tokenPath,
		clientPath: clientPath,
		logger:     logger,
		done:       make(chan struct{}),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("file watch unavailable, credential changes require restart", "error", err)
	} else {
		s.watcher = watcher
		// Watch the directory: editors and the Kiro client replace the file
		// atomically, which drops a watch on the file itself.
		if err := watcher.Add(filepath.Dir(tokenPath)); err != nil {
			logger.Warn("failed to watch token directory", "error", err)
		}
		go s.watchLoop()
	}

	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.tokenPath)
	if err != nil {
		return err
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}

	if s.clientPath != "" {
		if clientData, err := os.ReadFile(s.clientPath); err == nil {
			var ident clientIdentifier
			if err := json.Unmarshal(clientData, &ident); err == nil {
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
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account.ID == "" {
		s.account = Account{
			ID:      "local",
			Status:  StatusActive,
			AddedAt: time.Now().UTC().Format(time.RFC3339),
		}
	}
	s.account.Credentials = creds
	return nil
}

func (s *FileStore) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.tokenPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.load(); err != nil {
				s.logger.Warn("failed to reload token file", "error", err)
				continue
			}
			s.logger.Info("reloaded credentials from token file", "path", s.tokenPath)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("token file watch error", "error", err)
		}
	}
}

// List returns the single local account.
func (s *FileStore) List(ctx context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return []Account{s.account}, nil
}

// Get returns the local account when the id matches.
func (s *FileStore) Get(ctx context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id != s.account.ID {
		return nil, ErrAccountNotFound
	}
	acc := s.account
	return &acc, nil
}

// Put replaces the local account.
func (s *FileStore) Put(ctx context.Context, acc *Account) error {
	s.mu.Lock()
	s.account = *acc
	s.mu.Unlock()
	return s.persistCredentials(acc.Credentials)
}

// Delete is not supported in standalone mode; the single account is the pool.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	return ErrAccountNotFound
}

// Update applies fn under the store lock and writes refreshed credentials
// back to the token file.
func (s *FileStore) Update(ctx context.Context, id string, fn func(*Account)) error {
	s.mu.Lock()
	if id != s.account.ID {
		s.mu.Unlock()
		return ErrAccountNotFound
	}
	before := s.account.Credentials
	fn(&s.account)
	after := s.account.Credentials
	s.mu.Unlock()

	if before != after {
		return s.persistCredentials(after)
	}
	return nil
}

func (s *FileStore) persistCredentials(creds Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.tokenPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.tokenPath)
}

// Close stops the file watcher.
func (s *FileStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
