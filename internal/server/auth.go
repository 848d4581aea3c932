// Package server runs the authentication handshake that every WebSocket
// connection must complete before it is registered with the hub.
package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrHandshakeTimeout is returned when no frame arrives within the
	// configured authentication timeout.
	ErrHandshakeTimeout = errors.New("authentication timed out")
	// ErrUnexpectedFrame is returned when the first frame is not an
	// authenticate event.
	ErrUnexpectedFrame = errors.New("first frame must be authenticate")
)

type authGate struct {
	validator TokenValidator
	timeout   time.Duration
	log       *zap.Logger
}

// authenticate reads the first frame of conn and validates its token.
func (g *authGate) authenticate(conn *websocket.Conn) (int64, error) {
	if err := conn.SetReadDeadline(time.Now().Add(g.timeout)); err != nil {
		return 0, fmt.Errorf("set handshake deadline: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, ErrHandshakeTimeout
		}
		return 0, fmt.Errorf("read handshake frame: %w", err)
	}

	ev, err := DecodeFrame(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnexpectedFrame, err)
	}
	auth, ok := ev.(Authenticate)
	if !ok {
		return 0, fmt.Errorf("%w: got %s", ErrUnexpectedFrame, ev.Type())
	}

	userID, err := g.validator.ValidateToken(auth.Token)
	if err != nil {
		return 0, err
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return userID, nil
}

// reject closes conn with a policy-violation close frame naming the failure.
func (g *authGate) reject(conn *websocket.Conn, addr string, err error) {
	reason := "authentication failed"
	label := "invalid_token"
	switch {
	case errors.Is(err, ErrHandshakeTimeout):
		reason, label = "authentication timeout", "timeout"
	case errors.Is(err, ErrUnexpectedFrame):
		reason, label = "authentication required", "unexpected_frame"
	}
	authFailuresTotal.WithLabelValues(label).Inc()
	g.log.Info("rejecting connection", zap.String("addr", addr), zap.String("reason", label), zap.Error(err))

	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); werr != nil {
		if !isExpectedCloseError(werr) {
			g.log.Debug("error writing close frame", zap.Error(werr))
		}
	}
	if cerr := conn.Close(); cerr != nil && !isExpectedCloseError(cerr) {
		g.log.Debug("error closing rejected connection", zap.Error(cerr))
	}
}
