// Package ingestserver exposes the tddservice orchestrator over HTTP on
// 127.0.0.1, one handler dispatched by request path in the mold of the
// teacher's HttpIngester (handlers.go's single handler.ServeHTTP with a
// map[string]handlerConfig by URL), not a router library.
package ingestserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	ft "github.com/h2non/filetype"

	"github.com/vizzly-testing/engine/internal/comparisonstate"
	"github.com/vizzly-testing/engine/internal/discovery"
	"github.com/vizzly-testing/engine/internal/tddservice"
	"github.com/vizzly-testing/engine/internal/vzlog"
)

// maxBody bounds the raw request body as read, matching the teacher's
// fixed-size read-guard in HttpIngester (4MB there; screenshots run
// larger here).
const maxBody = 32 << 20 // 32MiB

const shutdownGrace = 5 * time.Second

type screenshotRequest struct {
	Name       string                 `json:"name"`
	Image      string                 `json:"image"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Threshold  *float64               `json:"threshold,omitempty"`
	BuildID    string                 `json:"buildId,omitempty"`
}

type screenshotResponse struct {
	Status         comparisonstate.Status `json:"status"`
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	DiffPercentage *float64               `json:"diffPercentage,omitempty"`
	DiffPixels     *int                   `json:"diffPixels,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

type acceptRequest struct {
	ID string `json:"id"`
}

type healthResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"page"`
}

// Server is the ingest HTTP listener. One Server runs for the lifetime
// of the engine process.
type Server struct {
	svc  *tddservice.Service
	log  *vzlog.Logger
	disc *discovery.Handle
	http *http.Server
}

// New builds a Server bound to addr (typically 127.0.0.1:<port>).
func New(addr string, svc *tddservice.Service, disc *discovery.Handle, log *vzlog.Logger) *Server {
	s := &Server{svc: svc, log: log, disc: disc}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// ListenAndServe binds the listener and serves until the server is
// shut down; it returns http.ErrServerClosed on a clean Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.log.Info("ingest server listening on %s", s.http.Addr)
	return s.http.Serve(ln)
}

// Shutdown stops accepting new connections, waits up to shutdownGrace
// for in-flight requests to finish, then releases the discovery
// handshake so SDK processes stop finding a dead server (spec §5).
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := s.http.Shutdown(ctx)
	if s.disc != nil {
		if rerr := s.disc.Release(); rerr != nil {
			s.log.Error("failed to release discovery handle: %v", rerr)
		}
	}
	return err
}

func withCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Connection", "close")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ServeHTTP dispatches every request; there is deliberately no router
// dependency here, following HttpIngester's own style of a single
// handler switching on r.URL.Path and r.Method.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	withCORS(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch r.URL.Path {
	case "/screenshot":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleScreenshot(w, r)
	case "/health":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Ready: true})
	case "/accept":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleAccept(w, r)
	case "/acceptAll":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleAcceptAll(w, r)
	case "/results":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.svc.GetResults())
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxBody {
		writeError(w, http.StatusBadRequest, "request body too large")
		return
	}

	var req screenshotRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Name == `` {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Image == `` {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}

	png, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is not valid base64")
		return
	}
	if !looksLikePNG(png) {
		writeError(w, http.StatusBadRequest, "image does not decode as PNG")
		return
	}

	rec, err := s.svc.CompareScreenshot(req.Name, png, req.Properties, req.Threshold)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := screenshotResponse{Status: rec.Status, ID: rec.ID, Name: rec.Name, Reason: rec.Reason, Error: rec.Error}
	if rec.Status == comparisonstate.StatusFailed || rec.Status == comparisonstate.StatusPassed {
		dp := rec.DiffPercentage
		dpx := rec.DiffPixels
		resp.DiffPercentage = &dp
		resp.DiffPixels = &dpx
	}

	httpStatus := http.StatusOK
	if rec.Status == comparisonstate.StatusError {
		httpStatus = http.StatusInternalServerError
		s.log.Error("comparison error for %s: %s", rec.Name, rec.Error)
	}
	writeJSON(w, httpStatus, resp)
}

// looksLikePNG sniffs the decoded bytes rather than trusting a client
// supplied content-type, matching the utils/extract.go pattern of
// type-sniffing before trusting ingested data.
func looksLikePNG(b []byte) bool {
	kind, err := ft.Match(b)
	if err != nil {
		return false
	}
	return kind.MIME.Value == "image/png"
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req acceptRequest
	if err := json.Unmarshal(body, &req); err != nil || req.ID == `` {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	rec, err := s.svc.AcceptBaseline(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, screenshotResponse{Status: rec.Status, ID: rec.ID, Name: rec.Name})
}

func (s *Server) handleAcceptAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.UpdateBaselines()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": n})
}
