package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMsgSize = 512

	// Окно тишины перед рассылкой: батч на сотню событий даёт один refresh.
	wsDebounce  = 1500 * time.Millisecond
	wsHeartbeat = 15 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Доступ к /ws защищён админ-ключом, origin не проверяем
	CheckOrigin: func(r *http.Request) bool { return true },
}

var wsRefreshMsg = []byte(`{"type":"refresh"}`)

// wsHub рассылает подключённым клиентам сигнал "состояние пайплайна
// изменилось" — после батча, блокировки, разблокировки или правки политики.
type wsHub struct {
	mu       sync.Mutex
	clients  map[*wsClient]struct{}
	notifyCh chan struct{}
}

func newWsHub() *wsHub {
	return &wsHub{
		clients:  make(map[*wsClient]struct{}),
		notifyCh: make(chan struct{}, 1),
	}
}

// Run крутит цикл debounce и heartbeat до завершения контекста.
func (h *wsHub) Run(ctx context.Context) {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	heartbeat := time.NewTicker(wsHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.notifyCh:
			debounce.Reset(wsDebounce)
		case <-debounce.C:
			h.broadcast()
		case <-heartbeat.C:
			h.broadcast()
		}
	}
}

// Notify неблокирующе помечает, что данные изменились.
func (h *wsHub) Notify() {
	select {
	case h.notifyCh <- struct{}{}:
	default:
	}
}

func (h *wsHub) broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- wsRefreshMsg:
		default:
			// Медленный клиент пропускает рассылку
		}
	}
}

func (h *wsHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *wsHub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// wsClient — одно WebSocket-соединение.
type wsClient struct {
	hub  *wsHub
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WS: неожиданное закрытие соединения: %v", err)
			}
			break
		}
	}
}
