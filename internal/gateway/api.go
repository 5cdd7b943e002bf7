package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"VoiceBridge/internal/store"
)

// APIResponse API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

const (
	defaultCallLimit = 50
	maxCallLimit     = 500
	queryTimeout     = 3 * time.Second
)

// 健康检查和指标
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Seconds(),
		"sessions":  s.deps.Bridge.Registry.Count(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Bridge.Metrics.Snapshot()
	s.writeSuccessResponse(w, map[string]interface{}{
		"hops":            snap.Hops,
		"counters":        snap.Counters,
		"active_sessions": s.deps.Bridge.Registry.Count(),
		"http":            s.GetStats(),
	})
}

// 会话管理
func (s *Server) getSessionsHandler(w http.ResponseWriter, r *http.Request) {
	ids := s.deps.Bridge.Registry.IDs()
	sessions := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		// 快照之后可能已被移除
		if b, ok := s.deps.Bridge.Registry.Get(id); ok {
			sessions = append(sessions, b.GetStats())
		}
	}
	s.writeSuccessResponse(w, sessions)
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if b, ok := s.deps.Bridge.Registry.Get(id); ok {
		s.writeSuccessResponse(w, b.GetStats())
		return
	}
	if s.deps.Calls == nil {
		s.writeErrorResponse(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	rec, err := s.deps.Calls.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
	case err != nil:
		log.Errorf("load call record %s: %v", id, err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "STORE_ERROR", "failed to load call record")
	default:
		s.writeSuccessResponse(w, rec)
	}
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	b, ok := s.deps.Bridge.Registry.Get(id)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		s.writeErrorResponse(w, http.StatusGatewayTimeout, "CLOSE_TIMEOUT", err.Error())
		return
	}
	log.Infof("session %s closed via api", id)
	s.writeSuccessResponse(w, map[string]interface{}{"id": id, "state": b.State().String()})
}

// 呼叫记录
func (s *Server) getCallsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Calls == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "RECORDS_DISABLED", "call records are not enabled")
		return
	}

	limit := defaultCallLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxCallLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	records, err := s.deps.Calls.Recent(ctx, limit)
	if err != nil {
		log.Errorf("list call records: %v", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "STORE_ERROR", "failed to list call records")
		return
	}
	s.writeSuccessResponse(w, records)
}

// 辅助方法
func (s *Server) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.errorCount.Add(1)

	response := APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
