package services

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// 事件类型
const (
	EventSyncCompleted      = "sync.completed"
	EventIntegrationUpdated = "integration.updated"
	EventWorkflowsPurged    = "workflows.purged"
)

// Event 推送给租户前端的事件
type Event struct {
	Type      string      `json:"type"`
	CompanyID string      `json:"company_id"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher 发布租户事件
type Publisher interface {
	Publish(companyID string, ev Event)
}

type hubClient struct {
	id        string
	companyID string
	conn      *websocket.Conn
	send      chan Event
	hub       *EventHub
}

// EventHub 按租户分组的 websocket 连接
type EventHub struct {
	clients    map[string]*hubClient
	broadcast  chan Event
	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *logrus.Logger
}

// NewEventHub allowedOrigins 为空时只接受同源连接，"*" 接受任意来源
func NewEventHub(allowedOrigins []string, logger *logrus.Logger) *EventHub {
	if logger == nil {
		logger = logrus.New()
	}
	h := &EventHub{
		clients:    make(map[string]*hubClient),
		broadcast:  make(chan Event, 64),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// Run 处理注册、注销与广播，ctx 结束时关闭全部连接
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.id] = client
			h.mutex.Unlock()
			h.logger.WithFields(logrus.Fields{
				"client_id":  client.id,
				"company_id": client.companyID,
			}).Debug("websocket client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mutex.Unlock()

		case ev := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				if client.companyID != ev.CompanyID {
					continue
				}
				select {
				case client.send <- ev:
				default:
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Publish 只推送给该租户的连接；队列满时丢弃
func (h *EventHub) Publish(companyID string, ev Event) {
	if h == nil {
		return
	}
	ev.CompanyID = companyID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- ev:
	default:
		h.logger.WithFields(logrus.Fields{
			"company_id": companyID,
			"event":      ev.Type,
		}).Warn("event queue full, dropping event")
	}
}

// ServeWS 升级连接并登记到租户
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request, companyID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	client := &hubClient{
		id:        uuid.NewString(),
		companyID: companyID,
		conn:      conn,
		send:      make(chan Event, 32),
		hub:       h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		return conn.Close()
	}

	go client.writePump()
	go client.readPump()
	return nil
}

// ClientCount 当前连接数
func (h *EventHub) ClientCount() int {
	if h == nil {
		return 0
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// readPump 客户端不发送业务消息，只用于感知断开和 pong
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).Debug("websocket read error")
			}
			return
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
