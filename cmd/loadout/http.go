package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jaakkos/loadout/internal/dashboard"
)

// httpServer serves streamable MCP, SSE, the management API and the dashboard.
type httpServer struct {
	srv          *http.Server
	ln           net.Listener
	dash         *dashboard.Handler
	instancePath string
	logger       *zap.Logger
}

// startHTTPServer binds the listener and registers routes. It uses net.Listen so
// that port 0 (auto-assign) works; the bound port is recorded in the instance file
// for one-shot commands.
func startHTTPServer(ctx context.Context, b *serverBundle, mcpServer *server.MCPServer, port int) (*httpServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("http listen: %w", err)
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port
	baseURL := fmt.Sprintf("http://localhost:%d", actualPort)
	b.clients.SetDashboardURL(baseURL + "/dashboard")

	b.logger.Info("http server listening",
		zap.Int("port", actualPort),
		zap.String("mcp", baseURL+"/mcp"),
		zap.String("dashboard", baseURL+"/dashboard"))

	sseSrv := server.NewSSEServer(mcpServer, server.WithBaseURL(baseURL))
	streamSrv := server.NewStreamableHTTPServer(mcpServer)

	mux := http.NewServeMux()
	mux.Handle("/sse", sseSrv)
	mux.Handle("/sse/", sseSrv)
	mux.Handle("/message", sseSrv)
	mux.Handle("/mcp", streamSrv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{
			Status:  "ok",
			Version: Version,
			Port:    actualPort,
			Clients: b.clients.ClientCount(),
			Scope:   b.svc.ActiveScopeID(),
			Apply:   b.svc.ApplyState().Status,
		})
	})

	dash := dashboard.NewHandler(b.svc, b.clients,
		dashboard.WithSessions(b.sessions),
		dashboard.WithNotifier(b.notifier),
		dashboard.WithLogger(b.logger))
	dash.RegisterRoutes(mux)

	instancePath := instanceFilePath(b.pol.StateDir())
	if err := writeInstanceFile(instancePath, instanceInfo{PID: currentPID(), Port: actualPort, Version: Version}); err != nil {
		b.logger.Warn("write instance file failed", zap.String("path", instancePath), zap.Error(err))
	}

	return &httpServer{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
		ln:           ln,
		dash:         dash,
		instancePath: instancePath,
		logger:       b.logger,
	}, nil
}

func (h *httpServer) serve() error {
	if err := h.srv.Serve(h.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (h *httpServer) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("http shutdown", zap.Error(err))
	}
	h.dash.Wait()
	removeInstanceFile(h.instancePath)
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Port    int    `json:"port"`
	Clients int    `json:"clients"`
	Scope   uint64 `json:"scope_id"`
	Apply   string `json:"apply_status,omitempty"`
}

// sessionStore holds active ClientSession objects for push notifications.
type sessionStore struct {
	mu   sync.RWMutex
	data map[string]server.ClientSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{data: make(map[string]server.ClientSession)}
}

func (ss *sessionStore) set(id string, s server.ClientSession) {
	ss.mu.Lock()
	ss.data[id] = s
	ss.mu.Unlock()
}

func (ss *sessionStore) get(id string) server.ClientSession {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.data[id]
}

func (ss *sessionStore) remove(id string) {
	ss.mu.Lock()
	delete(ss.data, id)
	ss.mu.Unlock()
}
