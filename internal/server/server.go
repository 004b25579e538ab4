package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/lanchat-dev/lanchat/internal/backup"
	"github.com/lanchat-dev/lanchat/internal/chat"
	"github.com/lanchat-dev/lanchat/internal/middleware"
)

// Server wires the chat hub and the backup lifecycle into an HTTP handler.
type Server struct {
	hub        *chat.Hub
	backupSvc  *backup.Service
	backupsDir string
	logger     *slog.Logger
}

func New(hub *chat.Hub, backupSvc *backup.Service, backupsDir string, logger *slog.Logger) *Server {
	return &Server{
		hub:        hub,
		backupSvc:  backupSvc,
		backupsDir: backupsDir,
		logger:     logger,
	}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", chat.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))
	mux.HandleFunc("GET /backups/{secureDir}/{filename}", s.handleBackupDownload)
	mux.HandleFunc("GET /health", s.healthHandler)

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
