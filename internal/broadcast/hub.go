package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/thraizz/nightfall-server/internal/config"
	"github.com/thraizz/nightfall-server/internal/match"
	"go.uber.org/zap"
)

const maxInboundMessage = 4096

// Client is a single websocket connection
type Client struct {
	conn          *websocket.Conn
	send          chan []byte
	participantID string
	matchID       string // set for observers
}

// Hub fans out match events to connected websocket clients
type Hub struct {
	cfg      config.WebSocketConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
	started  time.Time

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu            sync.RWMutex
	byParticipant map[string]map[*Client]bool
	observers     map[string]map[*Client]bool // matchID -> observer clients
	members       map[string][]string         // matchID -> participant ids
	boundAt       map[string]time.Time        // matchID -> bind time
	lastSeen      map[string]time.Time        // participantID -> last disconnect

	seq atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(cfg config.WebSocketConfig, logger *zap.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:           time.Now,
		started:       time.Now(),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		done:          make(chan struct{}),
		byParticipant: make(map[string]map[*Client]bool),
		observers:     make(map[string]map[*Client]bool),
		members:       make(map[string][]string),
		boundAt:       make(map[string]time.Time),
		lastSeen:      make(map[string]time.Time),
	}
}

// Run processes registrations until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if client.participantID != "" {
				addClient(h.byParticipant, client.participantID, client)
			} else {
				addClient(h.observers, client.matchID, client)
			}
			h.mu.Unlock()
			h.logger.Debug("websocket client registered",
				zap.String("participant_id", client.participantID),
				zap.String("match_id", client.matchID),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(client)
			h.mu.Unlock()
			h.logger.Debug("websocket client unregistered",
				zap.String("participant_id", client.participantID),
				zap.String("match_id", client.matchID),
			)
		}
	}
}

func addClient(index map[string]map[*Client]bool, key string, client *Client) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Client]bool)
		index[key] = set
	}
	set[client] = true
}

// dropLocked removes client and closes its send channel exactly once
func (h *Hub) dropLocked(client *Client) {
	index, key := h.observers, client.matchID
	if client.participantID != "" {
		index, key = h.byParticipant, client.participantID
	}
	set, ok := index[key]
	if !ok || !set[client] {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(index, key)
	}
	close(client.send)
	if client.participantID != "" {
		h.lastSeen[client.participantID] = h.now()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, index := range []map[string]map[*Client]bool{h.byParticipant, h.observers} {
		for _, set := range index {
			for client := range set {
				h.dropLocked(client)
			}
		}
	}
}

// Bind records the participants of a match
func (h *Hub) Bind(matchID string, participantIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[matchID] = append([]string(nil), participantIDs...)
	h.boundAt[matchID] = h.now()
}

// Unbind forgets a finished match
func (h *Hub) Unbind(matchID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members, matchID)
	delete(h.boundAt, matchID)
}

func (h *Hub) encode(matchID, event string, payload any) ([]byte, error) {
	data, err := json.Marshal(Envelope{
		Type:    event,
		MatchID: matchID,
		Seq:     h.seq.Add(1),
		Payload: payload,
		SentAt:  h.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	return data, nil
}

// deliverLocked queues data on client, dropping clients that cannot keep up
func (h *Hub) deliverLocked(clients map[*Client]bool, data []byte) {
	for client := range clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("dropping slow websocket client",
				zap.String("participant_id", client.participantID),
				zap.String("match_id", client.matchID),
			)
			h.dropLocked(client)
		}
	}
}

// NotifyAll implements Gateway.
func (h *Hub) NotifyAll(ctx context.Context, matchID, event string, payload any) error {
	data, err := h.encode(matchID, event, payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.members[matchID] {
		h.deliverLocked(h.byParticipant[id], data)
	}
	h.deliverLocked(h.observers[matchID], data)
	return nil
}

// NotifySubset implements Gateway.
func (h *Hub) NotifySubset(ctx context.Context, matchID string, roster []match.Participant, include func(match.Participant) bool, event string, payload any) error {
	data, err := h.encode(matchID, event, payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range roster {
		if include != nil && !include(p) {
			continue
		}
		h.deliverLocked(h.byParticipant[p.ID], data)
	}
	return nil
}

// NotifyOne implements Gateway.
func (h *Hub) NotifyOne(ctx context.Context, participantID, event string, payload any) error {
	data, err := h.encode("", event, payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(h.byParticipant[participantID], data)
	return nil
}

// QueryUnreachable implements Gateway. A participant is unreachable once it has had
// no open connection for longer than the configured grace, measured from the latest
// of its last disconnect, the match binding and hub start.
func (h *Hub) QueryUnreachable(ctx context.Context, matchID string, candidates []string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	bound := h.started
	if at, ok := h.boundAt[matchID]; ok && at.After(bound) {
		bound = at
	}
	unreachable := make([]string, 0)
	for _, id := range candidates {
		if len(h.byParticipant[id]) > 0 {
			continue
		}
		since := bound
		if seen, ok := h.lastSeen[id]; ok && seen.After(since) {
			since = seen
		}
		if now.Sub(since) > h.cfg.UnreachableAfter {
			unreachable = append(unreachable, id)
		}
	}
	return unreachable, nil
}

// ConnectedCount returns the number of open participant connections
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.byParticipant {
		n += len(set)
	}
	return n
}

// ServeWS upgrades the request. Players pass ?participant=<id>, observers ?match=<id>.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	participantID := strings.TrimSpace(r.URL.Query().Get("participant"))
	matchID := strings.TrimSpace(r.URL.Query().Get("match"))
	if participantID == "" && matchID == "" {
		http.Error(w, "participant or match is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, h.cfg.SendBuffer),
		participantID: participantID,
	}
	if participantID == "" {
		client.matchID = matchID
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundMessage)
	pongWait := 2 * h.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Inbound frames carry nothing; reading keeps control frames flowing.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeHTTP lets the hub be mounted directly as a handler
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ServeWS(w, r)
}
