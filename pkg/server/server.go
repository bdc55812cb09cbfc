// Package server exposes the query pipeline over HTTP.
//
// POST /v1/query streams the event sequence as server-sent events. The
// remaining endpoints are plain JSON. There is no authentication and no
// rate limiting; the server is meant to sit behind an application gateway.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/doclens/doclens/pkg/citations"
	"github.com/doclens/doclens/pkg/config"
	"github.com/doclens/doclens/pkg/routing"
	"github.com/doclens/doclens/pkg/segments"
	"github.com/doclens/doclens/pkg/stream"
)

// maxImageBytes caps uploaded attachments.
const maxImageBytes = 8 << 20

// Server is the doclens HTTP server.
type Server struct {
	cfg      config.ServerConfig
	streamer *stream.Streamer
	probe    *routing.Probe
	router   *routing.Router
	resolver *citations.Resolver
	gatherer prometheus.Gatherer

	server *http.Server
}

// New creates a server. gatherer may be nil, in which case /metrics is
// served from the default registry.
func New(
	cfg config.ServerConfig,
	streamer *stream.Streamer,
	probe *routing.Probe,
	router *routing.Router,
	resolver *citations.Resolver,
	gatherer prometheus.Gatherer,
) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      cfg,
		streamer: streamer,
		probe:    probe,
		router:   router,
		resolver: resolver,
		gatherer: gatherer,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/query", s.handleQuery)
		r.Post("/citations/resolve", s.handleResolveCitations)
		r.Get("/routing/explain", s.handleExplainRouting)
	})

	return r
}

// Start runs the listener until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),

		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: query streams are open-ended.
	}

	slog.Info("http server starting", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests within the configured window.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	window := time.Duration(s.cfg.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	slog.Info("http server shutting down", "window", window)
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// queryRequest is the JSON body of POST /v1/query. Multipart requests
// carry the same fields as form values plus an optional "image" file.
type queryRequest struct {
	Query      string `json:"query"`
	DocumentID int64  `json:"document_id,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	query, err := parseQueryRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The request context cancels the run when the client disconnects.
	for ev := range s.streamer.HandleQuery(r.Context(), query) {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Error("failed to encode event", "type", ev.Type, "error", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

// parseQueryRequest accepts JSON or multipart form bodies. An uploaded
// image file is inlined as a data URI.
func parseQueryRequest(r *http.Request) (stream.Query, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxImageBytes); err != nil {
			return stream.Query{}, fmt.Errorf("invalid multipart body: %w", err)
		}

		query := stream.Query{Text: r.FormValue("query")}
		if raw := r.FormValue("document_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return stream.Query{}, fmt.Errorf("invalid document_id %q", raw)
			}
			query.DocumentID = id
		}

		file, header, err := r.FormFile("image")
		if err == nil {
			defer file.Close()
			imageURL, err := encodeImage(file, header.Header.Get("Content-Type"))
			if err != nil {
				return stream.Query{}, err
			}
			query.ImageURL = imageURL
		} else if err != http.ErrMissingFile {
			return stream.Query{}, fmt.Errorf("invalid image upload: %w", err)
		}

		return query, nil
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return stream.Query{}, fmt.Errorf("invalid request body: %w", err)
	}
	return stream.Query{Text: req.Query, DocumentID: req.DocumentID, ImageURL: req.ImageURL}, nil
}

func encodeImage(file io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// resolveRequest is the body of POST /v1/citations/resolve.
type resolveRequest struct {
	Citations []struct {
		DocumentID int64 `json:"document_id"`
		Ordinal    int   `json:"segment_ordinal"`
	} `json:"citations"`
}

type resolveResponse struct {
	Citations []citations.Citation `json:"citations"`
}

func (s *Server) handleResolveCitations(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Citations) == 0 {
		writeError(w, http.StatusBadRequest, "citations must not be empty")
		return
	}

	keys := make([]segments.SegmentKey, len(req.Citations))
	for i, c := range req.Citations {
		keys[i] = segments.SegmentKey{DocumentID: c.DocumentID, Ordinal: c.Ordinal}
	}

	resolved, err := s.resolver.ResolveKeys(r.Context(), keys)
	if err != nil {
		slog.Error("citation batch resolution failed", "error", err)
		writeError(w, http.StatusInternalServerError, "resolution failed")
		return
	}

	if resolved == nil {
		resolved = []citations.Citation{}
	}
	writeJSON(w, http.StatusOK, resolveResponse{Citations: resolved})
}

// explainResponse reports what the router would decide for a query.
type explainResponse struct {
	Signals   routingSignals `json:"signals"`
	Score     float64        `json:"score"`
	Threshold float64        `json:"threshold"`
	Path      string         `json:"path"`
	Reason    string         `json:"reason,omitempty"`
}

type routingSignals struct {
	AvgVecSim           float64 `json:"avg_vec_sim"`
	FTSHitRate          float64 `json:"fts_hit_rate"`
	TopDocShare         float64 `json:"top_doc_share"`
	UniqueDocs          int     `json:"unique_docs"`
	StrongSegments      int     `json:"strong_segments"`
	QuoteIDCount        int     `json:"quote_id_count"`
	TemporalMarkerCount int     `json:"temporal_marker_count"`
	VectorCandidates    int     `json:"vector_candidates"`
	FTSHits             int     `json:"fts_hits"`
}

func (s *Server) handleExplainRouting(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		writeError(w, http.StatusBadRequest, "q parameter is required")
		return
	}

	var scope segments.Scope
	if raw := r.URL.Query().Get("document_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid document_id %q", raw))
			return
		}
		scope.DocumentID = id
	}

	stats, err := s.probe.Collect(r.Context(), query, scope)
	if err != nil {
		slog.Error("routing probe failed", "error", err)
		writeError(w, http.StatusBadGateway, "probe failed")
		return
	}

	decision, err := s.router.Route(stats)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "routing failed")
		return
	}

	writeJSON(w, http.StatusOK, explainResponse{
		Signals: routingSignals{
			AvgVecSim:           stats.AvgVecSim,
			FTSHitRate:          stats.FTSHitRate,
			TopDocShare:         stats.TopDocShare,
			UniqueDocs:          stats.UniqueDocs,
			StrongSegments:      stats.StrongSegments,
			QuoteIDCount:        stats.QuoteIDCount,
			TemporalMarkerCount: stats.TemporalMarkerCount,
			VectorCandidates:    stats.VectorCandidates,
			FTSHits:             stats.FTSHits,
		},
		Score:     decision.Score,
		Threshold: s.router.Threshold(),
		Path:      string(decision.Path),
		Reason:    string(decision.Reason),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requestLogger logs requests without wrapping the ResponseWriter, which
// would break http.Flusher for the SSE stream.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}
