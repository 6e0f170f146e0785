package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dunamismax/reimagine/internal/domain"
	"github.com/dunamismax/reimagine/internal/live"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = wsPongWait * 9 / 10
	wsReadLimit   = 4096
	wsEchoTrigger = "COMPLETED"
)

// wsConn serializes writes to one websocket; gorilla allows a single
// concurrent writer.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) WriteText(ctx context.Context, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) close(code int, reason string) {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.mu.Unlock()
	_ = c.ws.Close()
}

// handleWSStatus streams status changes of one job. The client may echo
// frames back; echoing the completion signal ends the session.
func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("id")
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := &wsConn{ws: ws}

	owner, err := s.auth.owner(token)
	if err != nil || jobID == "" {
		s.metrics.wsSessions.WithLabelValues("rejected").Inc()
		conn.close(websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	sub, err := s.subscriptions.Subscribe(r.Context(), jobID, owner, conn)
	if err != nil {
		outcome := "rejected"
		switch {
		case errors.Is(err, domain.ErrNotFound):
			conn.close(websocket.ClosePolicyViolation, "job not found")
		case errors.Is(err, live.ErrJobFinished):
			conn.close(websocket.ClosePolicyViolation, "job already finished")
		default:
			outcome = "error"
			s.logger.Error().Err(err).Str("job_id", jobID).Str("owner_id", owner).Str("phase", "subscribe").Msg("subscribe failed")
			conn.close(websocket.CloseInternalServerErr, "internal error")
		}
		s.metrics.wsSessions.WithLabelValues(outcome).Inc()
		return
	}
	defer s.subscriptions.Unsubscribe(sub)
	s.metrics.wsSessions.WithLabelValues("accepted").Inc()

	log := s.logger.With().Str("job_id", jobID).Str("owner_id", owner).Logger()
	log.Debug().Msg("live subscriber connected")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		ws.SetReadLimit(wsReadLimit)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			if err := sub.Send(r.Context(), string(data)); err != nil {
				return
			}
			if string(data) == wsEchoTrigger {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sub.Done():
			conn.close(websocket.CloseNormalClosure, "")
			<-readDone
			log.Debug().Msg("live subscription finished")
			return
		case <-readDone:
			conn.close(websocket.CloseNormalClosure, "")
			log.Debug().Msg("live subscriber disconnected")
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				conn.close(websocket.CloseGoingAway, "")
				<-readDone
				return
			}
		}
	}
}
