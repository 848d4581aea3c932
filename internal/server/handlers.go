// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, presence queries, and the built-in test page.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	ctxUserIDKey          = "user_id"
	statusPresenceTimeout = 2 * time.Second
)

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.checkOrigin,
	}
}

// WebSocketHandler upgrades the request, runs the authentication handshake
// and registers the resulting client with the hub.
func (h *Hub) WebSocketHandler(c *gin.Context) {
	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	addr := c.Request.RemoteAddr
	conn.SetReadLimit(h.cfg.MaxMessageSize)

	userID, err := h.gate.authenticate(conn)
	if err != nil {
		h.gate.reject(conn, addr, err)
		return
	}

	client := NewClient(conn, h, addr, userID)
	if !h.Register(client) {
		h.log.Info("hub stopped; closing new connection", zap.String("addr", addr))
		client.closeConnection()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(c *gin.Context) {
	c.String(http.StatusOK, "Chat gateway is running!")
}

// StatusHandler reports hub state and presence store connectivity.
func (h *Hub) StatusHandler(c *gin.Context) {
	snap := h.StatusSnapshot()
	state := "stopped"
	if snap.Running {
		state = "running"
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), statusPresenceTimeout)
	defer cancel()

	connected := h.store.Ping(ctx) == nil
	onlineCount := snap.OnlineCount
	if connected {
		if ids, err := h.store.ListOnline(ctx); err == nil {
			onlineCount = len(ids)
		} else {
			h.log.Warn("failed to list online users", zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":             state,
		"redis_connected":    connected,
		"online_users_count": onlineCount,
		"local_users_count":  snap.OnlineCount,
		"active_rooms":       h.ActiveRooms(),
	})
}

// UserOnlineHandler reports whether one user is online anywhere.
func (h *Hub) UserOnlineHandler(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	online, err := h.store.IsOnline(c.Request.Context(), userID)
	if err != nil {
		h.log.Warn("presence lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		online = h.IsLocallyConnected(userID)
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "is_online": online})
}

// OnlineUsersHandler lists every user the presence store considers online.
func (h *Hub) OnlineUsersHandler(c *gin.Context) {
	ids, err := h.store.ListOnline(c.Request.Context())
	if err != nil {
		h.log.Warn("failed to list online users", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence store unavailable"})
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"online_users": ids, "count": len(ids)})
}

// ScheduleEventHandler pushes an arbitrary JSON event to a user's
// connections through ScheduleSend. A refused event is reported as
// scheduled=false, never as an error status.
func (h *Hub) ScheduleEventHandler(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	body, err := c.GetRawData()
	if err != nil || !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON event"})
		return
	}
	event := json.RawMessage(body)

	c.JSON(http.StatusAccepted, gin.H{"scheduled": h.ScheduleSend(userID, event)})
}

// requireBearer validates an "Authorization: Bearer <token>" header and
// stores the caller's user id in the gin context.
func requireBearer(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := strings.TrimSpace(c.GetHeader("Authorization"))
		if len(authz) < len("bearer ") || !strings.EqualFold(authz[:len("bearer ")], "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token := strings.TrimSpace(authz[len("bearer "):])

		userID, err := validator.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ctxUserIDKey, userID)
		c.Next()
	}
}

// requestLogger logs one line per request.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// TestPageHandler serves an HTML page for exercising the gateway by hand:
// paste a token, connect, and send raw JSON frames.
func TestPageHandler(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(testPageHTML))
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Chat Gateway Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 420px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Chat Gateway Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="JWT token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="messageInput" placeholder='{"type":"create_private_room","room_id":"abc123"}' disabled>
        <button id="sendButton" onclick="sendFrame()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const tokenInput = document.getElementById('tokenInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.margin = '3px 0';
            line.style.color = color || 'gray';
            line.textContent = text;
            messagesDiv.appendChild(line);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function() {
                ws.send(JSON.stringify({ type: 'authenticate', token: tokenInput.value.trim() }));
                updateStatus(true);
            };
            ws.onmessage = function(event) { addLine('< ' + event.data, 'green'); };
            ws.onclose = function(event) {
                addLine('closed (' + event.code + ' ' + event.reason + ')');
                updateStatus(false);
                ws = null;
            };
            ws.onerror = function() { addLine('connection error', 'red'); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendFrame() {
            const frame = messageInput.value.trim();
            if (frame && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(frame);
                addLine('> ' + frame, 'blue');
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendFrame();
            }
        });
    </script>
</body>
</html>`
