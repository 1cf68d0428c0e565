package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/labflow-qc-server/internal/domain"
	"github.com/labflow-qc-server/internal/middleware"
	"github.com/labflow-qc-server/internal/notify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 64
)

// VerdictHub streams verdict events to websocket subscribers of a tenant.
// It is a domain.VerdictNotifier, so QCService feeds it like any other sink.
type VerdictHub struct {
	log      *logrus.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type hubClient struct {
	tenantID string
	// reviewOnly drops accept verdicts.
	reviewOnly bool
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	once       sync.Once
}

var _ domain.VerdictNotifier = (*VerdictHub)(nil)

// NewVerdictHub creates an empty hub.
func NewVerdictHub(logger *logrus.Logger) *VerdictHub {
	return &VerdictHub{
		log:     logger,
		clients: make(map[*hubClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Subscribers returns the number of connected clients.
func (h *VerdictHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Notify sends the event to every subscriber of the tenant. Slow subscribers
// whose buffer is full are disconnected rather than blocking the pipeline.
func (h *VerdictHub) Notify(_ context.Context, tenantID string, processed *domain.ProcessedMeasurement) error {
	payload, err := json.Marshal(notify.NewVerdictEvent(tenantID, processed))
	if err != nil {
		return fmt.Errorf("marshaling verdict event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.tenantID != tenantID {
			continue
		}
		if c.reviewOnly && !processed.Verdict.Decision.RequiresReview() {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.log.WithField("tenant_id", tenantID).Warn("Dropping slow verdict stream subscriber")
			h.removeLocked(c)
		}
	}
	return nil
}

// Close disconnects every subscriber and waits for their goroutines.
func (h *VerdictHub) Close() error {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()
	h.wg.Wait()
	return nil
}

func (h *VerdictHub) removeLocked(c *hubClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.once.Do(func() { close(c.done) })
}

func (h *VerdictHub) remove(c *hubClient) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

// ServeWS upgrades the request and subscribes it to the tenant's verdicts.
// ?review_only=true limits the stream to verdicts that need review.
func (h *VerdictHub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("Verdict stream upgrade failed")
		return
	}

	client := &hubClient{
		tenantID:   middleware.TenantID(c),
		reviewOnly: c.Query("review_only") == "true",
		conn:       conn,
		send:       make(chan []byte, clientSendSize),
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	h.log.WithField("tenant_id", client.tenantID).Info("Verdict stream subscriber connected")

	go h.writePump(client)
	go h.readPump(client)
}

// readPump discards client messages and detects disconnects.
func (h *VerdictHub) readPump(c *hubClient) {
	defer h.wg.Done()
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *VerdictHub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		h.wg.Done()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// upgradeRequired answers plain HTTP requests on the stream endpoint.
func upgradeRequired(c *gin.Context) bool {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusUpgradeRequired, gin.H{"error": "websocket upgrade required"})
		return true
	}
	return false
}
