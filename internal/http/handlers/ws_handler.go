package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/learnverse/backend/internal/auth"
	"github.com/learnverse/backend/internal/config"
	"github.com/learnverse/backend/internal/events"
	"go.uber.org/zap"
)

const wsLocalToken = "ws_token"

type wsWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// wsClient serialises writes: events from different streams arrive on
// different goroutines, and a websocket connection takes one writer at a time.
type wsClient struct {
	mu   sync.Mutex
	conn wsWriter
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WSHub рассылает события кошелька и леджера владельцу адреса.
type WSHub struct {
	cfg         *config.Config
	subscriber  events.Subscriber
	log         *zap.Logger
	mu          sync.RWMutex
	connections map[string][]*wsClient // lowercase address
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:         cfg,
		subscriber:  subscriber,
		log:         log,
		connections: make(map[string][]*wsClient),
	}
}

func (h *WSHub) Start(ctx context.Context) {
	for _, stream := range []string{events.StreamWallet, events.StreamLedger} {
		if err := h.subscriber.Subscribe(ctx, stream, h.Dispatch); err != nil {
			h.log.Error("ws hub subscribe failed", zap.String("stream", stream), zap.Error(err))
		}
	}
}

// Dispatch sends event to every connection of its address. Events without
// an address are dropped.
func (h *WSHub) Dispatch(event events.Event) {
	if event.Address == "" {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.connections[strings.ToLower(event.Address)] {
		_ = client.write(data)
	}
}

func (h *WSHub) register(address string, conn wsWriter) *wsClient {
	client := &wsClient{conn: conn}
	key := strings.ToLower(address)
	h.mu.Lock()
	h.connections[key] = append(h.connections[key], client)
	h.mu.Unlock()
	return client
}

func (h *WSHub) unregister(address string, client *wsClient) {
	key := strings.ToLower(address)
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.connections[key]
	for i, c := range conns {
		if c == client {
			h.connections[key] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.connections[key]) == 0 {
		delete(h.connections, key)
	}
}

// Connections returns the number of open connections for address.
func (h *WSHub) Connections(address string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[strings.ToLower(address)])
}

// WSUpgradeMiddleware checks for websocket upgrade and keeps the session
// token, since cookies are not reachable from the websocket handler.
func (h *WSHub) WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		token := c.Query("token")
		if token == "" {
			token = c.Cookies(h.cfg.SessionCookieName)
		}
		c.Locals(wsLocalToken, token)
		return c.Next()
	}
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr, _ := conn.Locals(wsLocalToken).(string)
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}

	client := h.register(claims.Address, conn)
	defer func() {
		h.unregister(claims.Address, client)
		conn.Close()
	}()

	// Read loop (keep alive / pings)
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}
