package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/config"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/ports"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/observability/metrics"
)

const maxRequestBodyBytes = 64 << 10

type Router struct {
	cfg       config.Config
	contexts  ports.ContextService
	knowledge ports.KnowledgeReloader
	ingest    ports.IngestRequester
	metrics   *metrics.HTTPServerMetrics
}

// NewRouter builds the API router. ingest and httpMetrics may be nil.
func NewRouter(
	cfg config.Config,
	contexts ports.ContextService,
	knowledge ports.KnowledgeReloader,
	ingest ports.IngestRequester,
	httpMetrics *metrics.HTTPServerMetrics,
) *Router {
	return &Router{
		cfg:       cfg,
		contexts:  contexts,
		knowledge: knowledge,
		ingest:    ingest,
		metrics:   httpMetrics,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/context", rt.answerContext)
	mux.HandleFunc("/v1/profiles", rt.listProfiles)
	mux.HandleFunc("/v1/profiles/detect", rt.detectProfiles)
	mux.HandleFunc("/v1/admin/reload", adminAuthMiddleware(rt.reload, rt.cfg.AdminAPIKey))
	mux.HandleFunc("/v1/admin/ingest", adminAuthMiddleware(rt.requestIngest, rt.cfg.AdminAPIKey))
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIBackpressureMaxInFlight, rt.cfg.APIBackpressureWaitTimeout)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware("api", handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// contextRequest is the body of POST /v1/context. Omitted limits fall back to
// the service defaults.
type contextRequest struct {
	Question       string   `json:"question"`
	Profiles       []string `json:"profiles,omitempty"`
	MaxProfiles    *int     `json:"max_profiles,omitempty"`
	TopKPerProfile *int     `json:"top_k_per_profile,omitempty"`
	MaxResults     *int     `json:"max_results,omitempty"`
}

func (req contextRequest) options() domain.SearchOptions {
	return domain.SearchOptions{
		MaxProfiles:    intOrDefault(req.MaxProfiles),
		TopKPerProfile: intOrDefault(req.TopKPerProfile),
		MaxResults:     intOrDefault(req.MaxResults),
		Profiles:       req.Profiles,
	}
}

func (req contextRequest) hasOverrides() bool {
	return len(req.Profiles) > 0 || req.MaxProfiles != nil || req.TopKPerProfile != nil || req.MaxResults != nil
}

func intOrDefault(v *int) int {
	if v == nil {
		return -1
	}
	return *v
}

type contextResponse struct {
	Entries []domain.ContextEntry `json:"entries"`
	Context string                `json:"context"`
}

func (rt *Router) answerContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req contextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	start := time.Now()
	var (
		entries []domain.ContextEntry
		err     error
	)
	if req.hasOverrides() {
		entries, err = rt.contexts.AnswerContextWithOptions(r.Context(), req.Question, req.options())
	} else {
		entries, err = rt.contexts.AnswerContext(r.Context(), req.Question)
	}
	if rt.metrics != nil {
		rt.metrics.RecordContext("/v1/context", len(entries), time.Since(start), err)
	}
	if err != nil {
		rt.writeDomainError(w, r, "context_request_failed", err)
		return
	}
	if entries == nil {
		entries = []domain.ContextEntry{}
	}

	writeJSON(w, http.StatusOK, contextResponse{
		Entries: entries,
		Context: rt.contexts.Render(entries),
	})
}

func (rt *Router) detectProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Question string `json:"question"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	detections, err := rt.contexts.DetectProfiles(r.Context(), req.Question)
	if err != nil {
		rt.writeDomainError(w, r, "detect_request_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": detections})
}

type profileView struct {
	Profile  domain.Profile `json:"profile"`
	Priority int            `json:"priority"`
	Chunks   int            `json:"chunks"`
}

func (rt *Router) listProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	chunks := make(map[domain.Profile]int, len(domain.Profiles))
	for _, s := range rt.knowledge.Stats() {
		chunks[s.Profile] = s.Chunks
	}
	views := make([]profileView, 0, len(domain.Profiles))
	for _, p := range domain.Profiles {
		views = append(views, profileView{Profile: p, Priority: p.Priority(), Chunks: chunks[p]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": views})
}

func (rt *Router) reload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	err := rt.knowledge.Reload(r.Context())
	stats := rt.knowledge.Stats()
	if rt.metrics != nil {
		rt.metrics.RecordReload(stats, err)
	}
	if err != nil {
		rt.writeDomainError(w, r, "reload_request_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "profiles": stats})
}

func (rt *Router) requestIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if rt.ingest == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest queue is not configured")
		return
	}

	var req struct {
		Root string `json:"root"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	root := strings.TrimSpace(req.Root)
	if root == "" {
		root = rt.cfg.CorpusPath
	}

	requestID, err := rt.ingest.RequestIngest(r.Context(), root)
	if err != nil {
		rt.writeDomainError(w, r, "ingest_request_failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": requestID, "root": root})
}

func (rt *Router) writeDomainError(w http.ResponseWriter, r *http.Request, event string, err error) {
	status := mapErrorToHTTPStatus(err)
	attrs := []any{"request_id", requestIDFromContext(r.Context()), "status", status, "error", err}
	if status >= http.StatusInternalServerError {
		slog.Error(event, attrs...)
	} else {
		slog.Warn(event, attrs...)
	}
	writeError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
