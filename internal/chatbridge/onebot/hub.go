package onebot

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PathPrefix is where reverse connections are served.
const PathPrefix = "/onebot/"

// ErrPathInUse is returned when two reverse bots claim the same path.
var ErrPathInUse = errors.New("onebot: reverse path already in use")

// Hub accepts reverse websocket connections and hands each to the bot
// registered under its path.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	bots map[string]*Bot
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		bots: make(map[string]*Bot),
	}
}

func (h *Hub) register(path string, b *Bot) error {
	key := normalizePath(path)
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.bots[key]; ok && existing != b {
		return fmt.Errorf("%w: %s%s", ErrPathInUse, PathPrefix, key)
	}
	h.bots[key] = b
	return nil
}

func (h *Hub) unregister(path string, b *Bot) {
	key := normalizePath(path)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bots[key] == b {
		delete(h.bots, key)
	}
}

func (h *Hub) lookup(path string) (*Bot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.bots[normalizePath(path)]
	return b, ok
}

// ServeHTTP upgrades a reverse connection on PathPrefix + path. The
// X-Self-ID header, when present, must match the bot, and a configured token
// must be presented as a bearer token or access_token query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(PathPrefix, "/"))
	b, ok := h.lookup(path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if selfID := r.Header.Get("X-Self-ID"); selfID != "" && selfID != b.selfID() {
		h.logger.Warn("rejecting onebot connection with unexpected self id",
			zap.String("path", path),
			zap.String("self_id", selfID),
		)
		http.Error(w, "unexpected self id", http.StatusForbidden)
		return
	}
	if token := b.token(); token != "" && presentedToken(r) != token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("onebot upgrade failed", zap.String("path", path), zap.Error(err))
		return
	}
	b.acceptReverse(conn)
}

func presentedToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		for _, scheme := range []string{"Bearer ", "Token "} {
			if strings.HasPrefix(auth, scheme) {
				return strings.TrimPrefix(auth, scheme)
			}
		}
	}
	return r.URL.Query().Get("access_token")
}
