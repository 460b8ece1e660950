package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth reports liveness without requiring a token, so load
// balancers and probes can hit it before anyone has minted credentials.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.checkHealth(r.Context()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":        s.version,
		"started_at":     s.started.Format(time.RFC3339),
		"uptime_seconds": time.Since(s.started).Seconds(),
		"channels":       s.manager.ListChannels(),
		"sessions":       s.bridge.ActiveSessionCount(),
		"dedup_size":     s.manager.DedupSize(),
		"metrics":        s.metrics.Summary(),
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels": s.manager.ListChannels(),
	})
}

// handleSessions lists sessions. ?channel=X narrows to one channel;
// ?idle_hours=N returns only sessions idle at least that long.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("idle_hours"); v != "" && s.cleaner != nil {
		hours, err := strconv.Atoi(v)
		if err != nil || hours < 0 {
			writeError(w, http.StatusBadRequest, "idle_hours must be a non-negative integer")
			return
		}
		idle := s.cleaner.IdleSessions(hours)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"idle":  idle,
			"count": len(idle),
		})
		return
	}

	sessions := s.bridge.ListSessions()
	if channel := r.URL.Query().Get("channel"); channel != "" {
		sessions = s.bridge.SessionsByChannel(channel)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": s.metrics.Summary(),
	})
}

// handleMetricsReset zeroes every counter and restarts the uptime clock.
func (s *Server) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.metrics.Reset()
	slog.Info("metrics reset via control plane")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleSecurityAccess edits the runtime access lists. Entries made
// here last until the next config reload.
func (s *Server) handleSecurityAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.security == nil {
		writeError(w, http.StatusServiceUnavailable, "security manager not configured")
		return
	}

	var req struct {
		List    string `json:"list"`
		Action  string `json:"action"`
		Channel string `json:"channel"`
		UserID  string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Channel == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "channel and user_id are required")
		return
	}

	switch req.List + "/" + req.Action {
	case "whitelist/add":
		s.security.AddToWhitelist(req.Channel, req.UserID)
	case "whitelist/remove":
		s.security.RemoveFromWhitelist(req.Channel, req.UserID)
	case "blacklist/add":
		s.security.AddToBlacklist(req.Channel, req.UserID)
	case "blacklist/remove":
		s.security.RemoveFromBlacklist(req.Channel, req.UserID)
	default:
		writeError(w, http.StatusBadRequest, "list must be whitelist or blacklist, action must be add or remove")
		return
	}

	slog.Info("access list updated",
		"list", req.List,
		"action", req.Action,
		"channel", req.Channel,
		"user_id", req.UserID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleReload re-reads the config file and applies the diff, same as
// the file watcher would. POST only; reloading is not an idempotent read.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	cfg, err := config.Load(s.configPath)
	if err != nil {
		slog.Error("manual reload failed", "path", s.configPath, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	res := s.ApplyConfig(r.Context(), cfg)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"applied":          res.Applied,
		"restart_required": res.RestartRequired,
	})
}
