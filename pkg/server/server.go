// Package server exposes metrics, workload probes and on-demand reconcile
// passes over HTTP for hosts running ovnlab as a daemon.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/ovs-container-lab/ovnlab/pkg/metrics"
	"github.com/ovs-container-lab/ovnlab/pkg/reconciler"
)

// ErrUnknownWorkload is returned by a Backend for workloads it does not manage
var ErrUnknownWorkload = errors.New("unknown workload")

// Backend is what the server drives
type Backend interface {
	Probe(ctx context.Context, workload string) (*reconciler.State, error)
	ReconcileAll(ctx context.Context) (*reconciler.BatchResult, error)
}

type passResponse struct {
	*reconciler.BatchResult
	Error string `json:"error,omitempty"`
}

// Options tune the diagnostics handler
type Options struct {
	// EnablePprof serves profiling and the runtime log level endpoint
	EnablePprof bool
	// ReconcileRate limits HTTP triggered passes per second; zero disables the limit
	ReconcileRate  float64
	ReconcileBurst int
}

type handler struct {
	backend Backend
	limiter *rate.Limiter
	// passes serializes HTTP triggered passes; a request arriving while one
	// runs waits for it and starts its own afterwards
	passes sync.Mutex
}

// NewHandler returns the diagnostics router
func NewHandler(backend Backend, opts Options) http.Handler {
	h := &handler{backend: backend}
	if opts.ReconcileRate > 0 {
		burst := opts.ReconcileBurst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(opts.ReconcileRate), burst)
	}

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(http.NotFound)
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePlainText(http.StatusOK, "ok", w)
	}).Methods("GET")
	router.HandleFunc("/workloads/{name}", h.handleProbe).Methods("GET")
	router.HandleFunc("/reconcile", h.handleReconcile).Methods("POST")

	if opts.EnablePprof {
		router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		router.HandleFunc("/debug/pprof/trace", pprof.Trace)
		router.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
		router.Handle("/debug/flags/v", metrics.KlogLevelHandler())
	}
	return router
}

// Start serves NewHandler at bindAddress until stopChan is closed
func Start(bindAddress string, backend Backend, opts Options, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	metrics.StartServer(bindAddress, NewHandler(backend, opts), stopChan, wg)
}

func (h *handler) handleProbe(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	state, err := h.backend.Probe(r.Context(), name)
	switch {
	case errors.Is(err, ErrUnknownWorkload):
		metrics.WritePlainText(http.StatusNotFound, err.Error(), w)
		return
	case err != nil:
		klog.Warningf("Probe of %s failed: %v", name, err)
		metrics.WritePlainText(http.StatusInternalServerError, err.Error(), w)
		return
	}
	writeJSON(http.StatusOK, state, w)
}

func (h *handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		metrics.WritePlainText(http.StatusTooManyRequests, "too many reconcile requests", w)
		return
	}
	h.passes.Lock()
	defer h.passes.Unlock()

	result, err := h.backend.ReconcileAll(r.Context())
	if result == nil {
		msg := "reconcile pass did not run"
		if err != nil {
			msg = err.Error()
		}
		metrics.WritePlainText(http.StatusServiceUnavailable, msg, w)
		return
	}
	resp := passResponse{BatchResult: result}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(status, resp, w)
}

func writeJSON(statusCode int, v interface{}, w http.ResponseWriter) {
	body, err := json.Marshal(v)
	if err != nil {
		metrics.WritePlainText(http.StatusInternalServerError, err.Error(), w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		klog.Warningf("Error writing HTTP response: %v", err)
	}
}
