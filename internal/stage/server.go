package stage

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/store"
	"github.com/sells-group/triage-loop/internal/transport"
)

// Service is implemented by the three stages.
type Service interface {
	Name() model.StageName
	Tracker() *Tracker
	Ready(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Skills() []Skill
	Register(r chi.Router)
	Shutdown(ctx context.Context) error
}

// Skill is one capability advertised on the agent card.
type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AgentCard describes a stage for discovery.
type AgentCard struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	URL         string  `json:"url"`
	Version     string  `json:"version"`
	Skills      []Skill `json:"skills"`
}

// ServerOptions configures NewHandler.
type ServerOptions struct {
	Version      string
	PublicURL    string
	CORSOrigins  []string
	MaxBodyBytes int64
}

// TracesResponse is the body of GET /v1/traces.
type TracesResponse struct {
	Stage  model.StageName        `json:"stage"`
	Traces []*model.WorkflowTrace `json:"traces"`
}

// ArchiveRequest is the body of POST /v1/traces/archive.
type ArchiveRequest struct {
	RecordIDs []string `json:"record_ids"`
}

// ArchiveResponse reports how many traces were archived.
type ArchiveResponse struct {
	Archived int `json:"archived"`
}

// NewHandler builds the HTTP handler for svc: the shared health, discovery
// and trace routes plus the stage's own routes.
func NewHandler(svc Service, opts ServerOptions) http.Handler {
	h := &handler{svc: svc, opts: opts, log: zap.L().With(zap.String("component", "server"), zap.String("stage", string(svc.Name())))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", transport.HeaderStage, transport.HeaderRecordID},
		MaxAge:         300,
	}))

	r.Get(RouteHealth, h.handleHealth)
	r.Get(RouteCard, h.handleCard)
	r.Get(RouteTraces, h.handleTraces)
	r.Post(RouteArchive, h.handleArchive)
	r.Get(RouteStats, h.handleStats)
	svc.Register(r)
	return r
}

type handler struct {
	svc  Service
	opts ServerOptions
	log  *zap.Logger
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := transport.HealthResponse{Stage: h.svc.Name(), Ready: true, Version: h.opts.Version}
	if err := h.svc.Ready(ctx); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		resp.Ready = false
		transport.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	transport.WriteJSON(w, http.StatusOK, resp)
}

func (h *handler) handleCard(w http.ResponseWriter, r *http.Request) {
	url := h.opts.PublicURL
	if url == "" {
		url = "http://" + r.Host
	}
	transport.WriteJSON(w, http.StatusOK, AgentCard{
		Name:        "triage-" + string(h.svc.Name()),
		Description: "Device failure triage loop, " + string(h.svc.Name()) + " stage",
		URL:         url,
		Version:     h.opts.Version,
		Skills:      h.svc.Skills(),
	})
}

// handleTraces lists traces. Query parameters: id (repeatable), status
// (repeatable), include_archived, since (RFC 3339) and limit.
func (h *handler) handleTraces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TraceFilter{RecordIDs: splitValues(q["id"])}
	for _, s := range splitValues(q["status"]) {
		filter.Statuses = append(filter.Statuses, model.TraceStatus(strings.ToUpper(s)))
	}
	if v := q.Get("include_archived"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			transport.WriteError(w, http.StatusBadRequest, transport.KindMalformed, "include_archived must be a boolean")
			return
		}
		filter.IncludeArchived = b
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			transport.WriteError(w, http.StatusBadRequest, transport.KindMalformed, "since must be RFC 3339")
			return
		}
		filter.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			transport.WriteError(w, http.StatusBadRequest, transport.KindMalformed, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	traces, err := h.svc.Tracker().List(r.Context(), filter)
	if err != nil {
		writeStageErr(w, err)
		return
	}
	if traces == nil {
		traces = []*model.WorkflowTrace{}
	}
	transport.WriteJSON(w, http.StatusOK, TracesResponse{Stage: h.svc.Name(), Traces: traces})
}

func (h *handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRequest
	if err := transport.DecodeJSON(r, h.opts.MaxBodyBytes, &req); err != nil {
		transport.WriteErr(w, err)
		return
	}
	n, err := h.svc.Tracker().Archive(r.Context(), req.RecordIDs)
	if err != nil {
		writeStageErr(w, err)
		return
	}
	h.log.Info("traces archived", zap.Int("requested", len(req.RecordIDs)), zap.Int("archived", n))
	transport.WriteJSON(w, http.StatusOK, ArchiveResponse{Archived: n})
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeStageErr(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, stats)
}

func (c *Classifier) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := transport.DecodeJSON(r, c.opts.MaxBodyBytes*16, &req); err != nil {
		transport.WriteErr(w, err)
		return
	}
	if len(req.Records) == 0 {
		transport.WriteError(w, http.StatusUnprocessableEntity, transport.KindBusiness, "no records in batch")
		return
	}
	ids, err := c.IngestBatch(r.Context(), req.BatchID, req.Records)
	if err != nil {
		c.log.Error("ingest failed", zap.String("batch_id", req.BatchID), zap.Int("records", len(req.Records)), zap.Error(err))
		writeStageErr(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusAccepted, IngestResponse{RecordIDs: ids})
}

// envelopeHandler decodes an envelope, hands it to fn and writes the Ack.
// Protocol errors are logged and answered as MALFORMED.
func envelopeHandler(log *zap.Logger, maxBytes int64, fn func(context.Context, model.Envelope) (model.Ack, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := transport.DecodeEnvelope(r, maxBytes)
		if err != nil {
			log.Warn("rejected envelope",
				zap.String("path", r.URL.Path),
				zap.String("from", r.Header.Get(transport.HeaderStage)),
				zap.Error(err),
			)
			transport.WriteErr(w, err)
			return
		}
		ack, err := fn(r.Context(), env)
		if err != nil {
			log.Warn("envelope not accepted",
				zap.String("path", r.URL.Path),
				zap.String("record_id", env.RecordID),
				zap.Int("attempt", env.AttemptNumber),
				zap.Error(err),
			)
			writeStageErr(w, err)
			return
		}
		transport.WriteJSON(w, http.StatusOK, ack)
	}
}

// writeStageErr answers an unknown record with 404 MALFORMED and defers
// everything else to transport.WriteErr.
func writeStageErr(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		transport.WriteError(w, http.StatusNotFound, transport.KindMalformed, err.Error())
		return
	}
	transport.WriteErr(w, err)
}

func splitValues(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
