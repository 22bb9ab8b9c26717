package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/suryatmodulus/microsandbox/internal/repl"
	"github.com/suryatmodulus/microsandbox/internal/storage"
)

// maxRequestBytes bounds JSON-RPC request bodies.
const maxRequestBytes = 4 << 20

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- JSON-RPC ---

// httpStatus maps a JSON-RPC error code to the HTTP status of its response.
func httpStatus(code int) int {
	switch code {
	case codeParseError, codeInvalidRequest, codeInvalidParams:
		return http.StatusBadRequest
	case codeMethodNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{
			JSONRPC: jsonrpcVersion,
			Error:   newRPCError(codeParseError, "reading request: %v", err),
		})
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{
			JSONRPC: jsonrpcVersion,
			Error:   newRPCError(codeParseError, "parse error: %v", err),
		})
		return
	}

	result, rerr := s.dispatch(r.Context(), &req, nil)
	resp := rpcResponse{JSONRPC: jsonrpcVersion, ID: req.ID}
	if rerr != nil {
		s.logger.Debug("rpc error",
			zap.String("method", req.Method),
			zap.Int("code", rerr.Code),
			zap.String("message", rerr.Message),
		)
		resp.Error = rerr
		writeJSON(w, httpStatus(rerr.Code), resp)
		return
	}
	resp.Result = result
	writeJSON(w, http.StatusOK, resp)
}

// --- Engine handlers ---

type healthResponse struct {
	Status    string   `json:"status"`
	Languages []string `json:"languages"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Languages: []string{}}
	for _, l := range s.engine.Languages() {
		resp.Languages = append(resp.Languages, string(l))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.engine.Sessions()))
}

// handleCloseSession terminates a live session. The language query
// parameter selects the engine.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lang := r.URL.Query().Get("language")
	if lang == "" {
		writeError(w, http.StatusBadRequest, "language is required")
		return
	}

	err := s.engine.CloseSession(r.Context(), lang, id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, repl.ErrSessionNotFound), errors.Is(err, repl.ErrUnsupportedLanguage):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- History handlers ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "execution history is disabled")
		return
	}

	opts := storage.ExecutionListOptions{SessionID: chi.URLParam(r, "id")}
	q := r.URL.Query()
	opts.Language = q.Get("language")
	if status := q.Get("status"); status != "" {
		opts.Status = storage.ExecutionStatus(status)
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	execs, err := s.store.ListExecutions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(execs))
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "execution history is disabled")
		return
	}

	exec, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, exec)
}
