package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/suryatmodulus/microsandbox/internal/repl"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn serializes writes to a websocket connection.
type wsConn struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex
}

func (c *wsConn) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("websocket marshal error", zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("websocket write error", zap.Error(err))
	}
}

// callQueue holds the calls waiting on one session, in arrival order.
type callQueue struct {
	mu      sync.Mutex
	pending []*rpcRequest
	running bool
}

// push queues req and reports whether the caller must start a drainer.
func (q *callQueue) push(req *rpcRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, req)
	if q.running {
		return false
	}
	q.running = true
	return true
}

// next pops the oldest call. It returns false once the queue is empty,
// and the drainer must exit.
func (q *callQueue) next() (*rpcRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		q.running = false
		return nil, false
	}
	req := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return req, true
}

// sessionKey names the session a call targets, or "" for calls that do
// not touch a session.
func sessionKey(req *rpcRequest) string {
	if req.Method != methodReplRun && req.Method != methodReplClose {
		return ""
	}
	var p struct {
		Language  string `json:"language"`
		SessionID string `json:"session_id"`
	}
	if len(req.Params) > 0 {
		// Bad params are reported by dispatch.
		_ = json.Unmarshal(req.Params, &p)
	}
	lang := p.Language
	if l, err := repl.ParseLanguage(lang); err == nil {
		lang = string(l)
	}
	if p.SessionID == "" {
		p.SessionID = repl.DefaultSessionID
	}
	return lang + "/" + p.SessionID
}

// handleWebSocket serves JSON-RPC over a websocket. Calls that target the
// same session run in the order they were received; other calls run
// concurrently. sandbox.repl.run streams each output line as a
// sandbox.repl.output notification before its response.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	// Cancelled on client disconnect or server shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	id := s.conns.Add(cancel, conn.Close)
	defer s.conns.Remove(id)

	wc := &wsConn{conn: conn, logger: s.logger.With(zap.String("conn_id", id))}
	wc.logger.Debug("websocket connected")

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	// Only the read loop touches queues.
	queues := make(map[string]*callQueue)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				wc.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			wc.writeJSON(rpcResponse{
				JSONRPC: jsonrpcVersion,
				Error:   newRPCError(codeParseError, "parse error: %v", err),
			})
			continue
		}

		key := sessionKey(&req)
		if key == "" {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.serveWebSocketCall(ctx, wc, &req)
			}()
			continue
		}

		q, ok := queues[key]
		if !ok {
			q = &callQueue{}
			queues[key] = q
		}
		if q.push(&req) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					next, ok := q.next()
					if !ok {
						return
					}
					s.serveWebSocketCall(ctx, wc, next)
				}
			}()
		}
	}
}

func (s *Server) serveWebSocketCall(ctx context.Context, wc *wsConn, req *rpcRequest) {
	notify := func(method string, params any) {
		wc.writeJSON(rpcNotification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
	}

	result, rerr := s.dispatch(ctx, req, notify)
	resp := rpcResponse{JSONRPC: jsonrpcVersion, ID: req.ID}
	if rerr != nil {
		resp.Error = rerr
	} else {
		resp.Result = result
	}
	wc.writeJSON(resp)
}
