// Package proxy exposes a live WebSocket bridge onto the browser
// process behind an active lease, for attaching CDP debugging tools.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/lease"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Server struct {
	leases *lease.Manager
	logger *zap.Logger
}

func NewServer(leases *lease.Manager, logger *zap.Logger) *Server {
	return &Server{
		leases: leases,
		logger: logger,
	}
}

// HandleDebugConnection upgrades the request to a WebSocket and
// bridges it to the CDP endpoint of the process backing the lease.
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, leaseID string) {
	l, err := s.leases.Get(leaseID)
	if err != nil {
		http.Error(w, "Lease not found", http.StatusNotFound)
		return
	}

	if l.State != models.LeaseActive {
		http.Error(w, "Lease is not active", http.StatusBadRequest)
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade debug connection", zap.Error(err))
		return
	}
	defer clientConn.Close()

	s.logger.Info("debug client connected", zap.String("leaseId", leaseID))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	browserConn, _, err := websocket.DefaultDialer.DialContext(ctx, l.ConnectURL, nil)
	if err != nil {
		s.logger.Warn("failed to connect to browser CDP endpoint",
			zap.String("leaseId", leaseID), zap.Error(err))
		clientConn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("Error connecting: %v", err)))
		return
	}
	defer browserConn.Close()

	// Bidirectional proxy
	errChan := make(chan error, 2)

	go func() {
		errChan <- s.proxyMessages(clientConn, browserConn)
	}()
	go func() {
		errChan <- s.proxyMessages(browserConn, clientConn)
	}()

	// Either direction closing ends the bridge.
	err = <-errChan
	if err != nil && err != io.EOF {
		s.logger.Debug("debug proxy closed",
			zap.String("leaseId", leaseID), zap.Error(err))
	}
}

func (s *Server) proxyMessages(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}
