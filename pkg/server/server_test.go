package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ovs-container-lab/ovnlab/pkg/reconciler"
)

type fakeBackend struct {
	sync.Mutex
	states   map[string]*reconciler.State
	probeErr error
	result   *reconciler.BatchResult
	passErr  error
	passes   int
	running  int
	overlap  bool
}

func (f *fakeBackend) Probe(_ context.Context, workload string) (*reconciler.State, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	state, ok := f.states[workload]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownWorkload, workload)
	}
	return state, nil
}

func (f *fakeBackend) ReconcileAll(_ context.Context) (*reconciler.BatchResult, error) {
	f.Lock()
	f.running++
	if f.running > 1 {
		f.overlap = true
	}
	f.passes++
	f.Unlock()

	defer func() {
		f.Lock()
		f.running--
		f.Unlock()
	}()
	return f.result, f.passErr
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

var _ = Describe("Diagnostics server", func() {
	var (
		backend *fakeBackend
		h       http.Handler
	)

	BeforeEach(func() {
		backend = &fakeBackend{
			states: map[string]*reconciler.State{
				"vpc-a-web": {
					Workload:           "vpc-a-web",
					WorkloadRunning:    true,
					NamespaceInterface: true,
					VSwitchPort:        true,
					LogicalPort:        true,
					IP:                 "10.0.1.10",
				},
				"vpc-b-db": {Workload: "vpc-b-db"},
			},
			result: &reconciler.BatchResult{
				Pass:     "1a2b3c4d",
				Healthy:  3,
				Repaired: 1,
				Outcomes: map[string]reconciler.Outcome{
					"vpc-a-web": reconciler.Healthy,
					"vpc-a-app": reconciler.Repaired,
				},
				AgentRestarted: true,
			},
		}
		h = NewHandler(backend, Options{})
	})

	It("reports healthy", func() {
		rec := serve(h, http.MethodGet, "/healthz", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("ok\n"))
	})

	It("serves the ovnlab registry", func() {
		rec := serve(h, http.MethodGet, "/metrics", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("promhttp_metric_handler_requests_total"))
	})

	It("returns the probed state of a workload", func() {
		rec := serve(h, http.MethodGet, "/workloads/vpc-a-web", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

		var state reconciler.State
		Expect(json.Unmarshal(rec.Body.Bytes(), &state)).To(Succeed())
		Expect(cmp.Diff(*backend.states["vpc-a-web"], state, cmp.AllowUnexported(reconciler.State{}))).To(BeEmpty())
	})

	It("reports a stopped workload as not running", func() {
		rec := serve(h, http.MethodGet, "/workloads/vpc-b-db", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"workloadRunning":false`))
	})

	It("returns 404 for an unknown workload", func() {
		rec := serve(h, http.MethodGet, "/workloads/nope", "")
		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(rec.Body.String()).To(ContainSubstring("unknown workload nope"))
	})

	It("returns 500 when probing fails", func() {
		backend.probeErr = errors.New("ovs-vsctl timed out")
		rec := serve(h, http.MethodGet, "/workloads/vpc-a-web", "")
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		Expect(rec.Body.String()).To(ContainSubstring("timed out"))
	})

	It("runs a pass on POST /reconcile", func() {
		rec := serve(h, http.MethodPost, "/reconcile", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(backend.passes).To(Equal(1))

		var got reconciler.BatchResult
		Expect(json.Unmarshal(rec.Body.Bytes(), &got)).To(Succeed())
		Expect(cmp.Diff(*backend.result, got)).To(BeEmpty())
		Expect(rec.Body.String()).NotTo(ContainSubstring(`"error"`))
	})

	It("returns the counts and the error of a pass with failures", func() {
		backend.result.Failed = 1
		backend.result.FailedWorkloads = []string{"nat-gateway"}
		backend.passErr = errors.New("nat-gateway: injected AddPort failure")

		rec := serve(h, http.MethodPost, "/reconcile", "")
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		Expect(rec.Body.String()).To(ContainSubstring(`"failedWorkloads":["nat-gateway"]`))
		Expect(rec.Body.String()).To(ContainSubstring(`"error":"nat-gateway: injected AddPort failure"`))
	})

	It("returns 503 when no pass could start", func() {
		backend.result = nil
		backend.passErr = context.DeadlineExceeded
		rec := serve(h, http.MethodPost, "/reconcile", "")
		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
	})

	It("never runs two triggered passes at once", func() {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(serve(h, http.MethodPost, "/reconcile", "").Code).To(Equal(http.StatusOK))
			}()
		}
		wg.Wait()
		Expect(backend.passes).To(Equal(8))
		Expect(backend.overlap).To(BeFalse())
	})

	It("rate limits triggered passes", func() {
		h = NewHandler(backend, Options{ReconcileRate: 0.001, ReconcileBurst: 2})
		Expect(serve(h, http.MethodPost, "/reconcile", "").Code).To(Equal(http.StatusOK))
		Expect(serve(h, http.MethodPost, "/reconcile", "").Code).To(Equal(http.StatusOK))
		Expect(serve(h, http.MethodPost, "/reconcile", "").Code).To(Equal(http.StatusTooManyRequests))
		Expect(backend.passes).To(Equal(2))
		// probes are not limited
		Expect(serve(h, http.MethodGet, "/workloads/vpc-a-web", "").Code).To(Equal(http.StatusOK))
	})

	It("rejects the wrong method", func() {
		Expect(serve(h, http.MethodGet, "/reconcile", "").Code).To(Equal(http.StatusMethodNotAllowed))
		Expect(backend.passes).To(BeZero())
	})

	Context("with pprof enabled", func() {
		It("allows changing the log level", func() {
			h = NewHandler(backend, Options{EnablePprof: true})
			Expect(serve(h, http.MethodPut, "/debug/flags/v", "4").Code).To(Equal(http.StatusOK))
			Expect(serve(h, http.MethodGet, "/debug/pprof/", "").Code).To(Equal(http.StatusOK))
		})

		It("does not serve debug endpoints otherwise", func() {
			Expect(serve(h, http.MethodPut, "/debug/flags/v", "4").Code).To(Equal(http.StatusNotFound))
		})
	})
})
