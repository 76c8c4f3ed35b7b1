package stage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/resilience"
	"github.com/sells-group/triage-loop/internal/scorer"
	"github.com/sells-group/triage-loop/internal/store"
	"github.com/sells-group/triage-loop/internal/transport"
)

// hintScorer reads the verdict from the record's Severity_Hint field.
type hintScorer struct{}

func (hintScorer) Score(_ context.Context, rec model.Record) (model.Severity, error) {
	sev, ok := model.ParseSeverity(rec.RawFields["Severity_Hint"])
	if !ok {
		return "", resilience.Permanent(errors.New("no severity hint"))
	}
	return sev, nil
}

type stubDiagnoser struct {
	err error
}

func (d stubDiagnoser) Diagnose(_ context.Context, rec model.Record, sev model.Severity) (model.Diagnosis, error) {
	if d.err != nil {
		return model.Diagnosis{}, d.err
	}
	return model.Diagnosis{
		Summary:   "device " + rec.DeviceID() + " at " + string(sev.Effective()),
		RootCause: "sustained load",
		Findings:  []string{"cpu saturated"},
	}, nil
}

type harnessConfig struct {
	transport transport.Options
	opts      Options
	diagnoser scorer.Diagnoser
	actuator  scorer.Actuator
	wrap      map[model.StageName]func(http.Handler) http.Handler
}

type harness struct {
	classifier  *Classifier
	diagnosis   *Diagnosis
	remediation *Remediation
	stores      map[model.StageName]*store.MemoryStore
	servers     map[model.StageName]*httptest.Server
	client      *transport.Client
}

func fastTransport() transport.Options {
	return transport.Options{
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2,
		},
		Timeout: 2 * time.Second,
		Circuit: resilience.CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute},
	}
}

func fastOptions() Options {
	return Options{
		Workers: 4,
		ScorerRetry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2,
		},
		ScorerTimeout:  time.Second,
		ReplayInterval: time.Millisecond,
		MaxReplays:     3,
	}
}

// newHarness runs the three stages on httptest servers wired to each other.
func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	if hc.transport.Timeout == 0 {
		hc.transport = fastTransport()
	}
	if hc.opts.Workers == 0 {
		hc.opts = fastOptions()
	}
	if hc.diagnoser == nil {
		hc.diagnoser = stubDiagnoser{}
	}
	if hc.actuator == nil {
		hc.actuator = scorer.RuleActuator{}
	}

	h := &harness{
		stores:  make(map[model.StageName]*store.MemoryStore),
		servers: make(map[model.StageName]*httptest.Server),
	}
	handlers := make(map[model.StageName]*swapHandler)
	eps := transport.Endpoints{}
	for _, name := range model.Stages {
		sh := &swapHandler{}
		handlers[name] = sh
		srv := httptest.NewServer(sh)
		t.Cleanup(srv.Close)
		h.servers[name] = srv
		h.stores[name] = store.NewMemory()
		eps[name] = srv.URL
	}

	h.classifier = NewClassifier(h.stores[model.StageClassifier], hintScorer{}, transport.NewClient(model.StageClassifier, eps, hc.transport), hc.opts)
	h.diagnosis = NewDiagnosis(h.stores[model.StageDiagnosis], hc.diagnoser, transport.NewClient(model.StageDiagnosis, eps, hc.transport), hc.opts)
	h.remediation = NewRemediation(h.stores[model.StageRemediation], hc.actuator, transport.NewClient(model.StageRemediation, eps, hc.transport), hc.opts)
	h.client = transport.NewClient("test", eps, hc.transport)

	for _, svc := range []Service{h.classifier, h.diagnosis, h.remediation} {
		var hd http.Handler = NewHandler(svc, ServerOptions{Version: "test"})
		if w := hc.wrap[svc.Name()]; w != nil {
			hd = w(hd)
		}
		handlers[svc.Name()].set(hd)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.classifier.Shutdown(ctx)
		_ = h.diagnosis.Shutdown(ctx)
		_ = h.remediation.Shutdown(ctx)
	})
	return h
}

// swapHandler lets a server start before the stage behind it exists.
type swapHandler struct {
	mu sync.RWMutex
	h  http.Handler
}

func (s *swapHandler) set(h http.Handler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

func (s *swapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h := s.h
	s.mu.RUnlock()
	h.ServeHTTP(w, r)
}

// drain waits until every queued record has moved as far as it can. Each
// stage queues its successor's work before acknowledging, so draining in
// loop order is enough.
func (h *harness) drain() {
	h.classifier.pool.wait()
	h.diagnosis.pool.wait()
	h.remediation.pool.wait()
}

func (h *harness) trace(t *testing.T, stage model.StageName, id string) *model.WorkflowTrace {
	t.Helper()
	tr, err := h.stores[stage].GetTrace(context.Background(), stage, id)
	require.NoError(t, err)
	return tr
}

func (h *harness) traces(t *testing.T, stage model.StageName) []*model.WorkflowTrace {
	t.Helper()
	out, err := h.stores[stage].ListTraces(context.Background(), store.TraceFilter{Stage: stage, IncludeArchived: true})
	require.NoError(t, err)
	return out
}

func hinted(sevs ...model.Severity) []model.Record {
	out := make([]model.Record, len(sevs))
	for i, s := range sevs {
		out[i] = model.Record{RawFields: map[string]string{
			"Device_ID":     "D-" + string(rune('A'+i)),
			"Severity_Hint": string(s),
			"CPU_Usage":     "95",
		}}
	}
	return out
}

// routeOnly applies mw to requests for path and passes everything else
// through.
func routeOnly(path string, mw func(w http.ResponseWriter, r *http.Request, next http.Handler)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != path {
				next.ServeHTTP(w, r)
				return
			}
			mw(w, r, next)
		})
	}
}

// bufferBody reads r's body so the handler can still read it after the
// client went away.
func bufferBody(r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(b))
}
