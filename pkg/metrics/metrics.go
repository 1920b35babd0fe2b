package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	utilwait "k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

const (
	MetricNamespace          = "ovnlab"
	MetricSubsystemReconcile = "reconcile"
	MetricSubsystemTopology  = "topology"
	MetricSubsystemBinder    = "binder"
	MetricSubsystemExec      = "exec"
)

// Reconcile outcomes used as the outcome label
const (
	OutcomeHealthy    = "healthy"
	OutcomeRepaired   = "repaired"
	OutcomeNotRunning = "not_running"
	OutcomeFailed     = "failed"
)

// Registry holds every ovnlab collector
var Registry = prometheus.NewRegistry()

// MetricReconcileWorkloads counts per-workload reconcile results by outcome
var MetricReconcileWorkloads = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemReconcile,
	Name:      "workloads_total",
	Help:      "The number of workloads reconciled, by outcome"},
	[]string{"outcome"},
)

// MetricOrphansDeleted counts garbage collected ports by kind (vswitch or logical)
var MetricOrphansDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemReconcile,
	Name:      "orphans_deleted_total",
	Help:      "The number of orphaned ports deleted by garbage collection"},
	[]string{"kind"},
)

var metricPassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemReconcile,
	Name:      "pass_duration_seconds",
	Help:      "The duration of a full reconcile pass",
	Buckets:   prometheus.ExponentialBuckets(.1, 2, 12),
})

// MetricAgentRestarts counts restarts of the local chassis agent
var MetricAgentRestarts = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemReconcile,
	Name:      "agent_restarts_total",
	Help:      "The number of times the chassis agent was restarted after a repair",
})

var metricBindDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemBinder,
	Name:      "bind_duration_seconds",
	Help:      "The duration of binding one workload to its logical port",
	Buckets:   prometheus.ExponentialBuckets(.01, 2, 12),
})

// MetricTopologyObjects counts topology objects by kind and whether they were created or found
var MetricTopologyObjects = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemTopology,
	Name:      "objects_total",
	Help:      "The number of topology objects ensured, by kind and status"},
	[]string{"kind", "status"},
)

var metricExecCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemExec,
	Name:      "commands_total",
	Help:      "The number of external commands run, by command and result"},
	[]string{"command", "result"},
)

func init() {
	Registry.MustRegister(
		MetricReconcileWorkloads,
		MetricOrphansDeleted,
		metricPassDuration,
		MetricAgentRestarts,
		metricBindDuration,
		MetricTopologyObjects,
		metricExecCommands,
	)
}

// RecordExec counts one external command
func RecordExec(command string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metricExecCommands.WithLabelValues(command, result).Inc()
}

// RecordBindDuration records how long binding one workload took
func RecordBindDuration(start time.Time) {
	metricBindDuration.Observe(time.Since(start).Seconds())
}

// RecordPassDuration records how long a reconcile pass took
func RecordPassDuration(start time.Time) {
	metricPassDuration.Observe(time.Since(start).Seconds())
}

// Handler serves the ovnlab registry
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
}

type stringFlagSetterFunc func(string) (string, error)

// klogSetter is a setter to set klog level.
func klogSetter(val string) (string, error) {
	var level klog.Level
	if err := level.Set(val); err != nil {
		return "", fmt.Errorf("failed set klog.logging.verbosity %s: %v", val, err)
	}
	return fmt.Sprintf("successfully set klog.logging.verbosity to %s", val), nil
}

// KlogLevelHandler allows changes to the log level at runtime with PUT
func KlogLevelHandler() http.HandlerFunc {
	return stringFlagPutHandler(klogSetter)
}

// stringFlagPutHandler wraps an http Handler to set string type flag.
func stringFlagPutHandler(setter stringFlagSetterFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.Method == "PUT":
			body, err := io.ReadAll(req.Body)
			if err != nil {
				WritePlainText(http.StatusBadRequest, "error reading request body: "+err.Error(), w)
				return
			}
			defer req.Body.Close()
			response, err := setter(string(body))
			if err != nil {
				WritePlainText(http.StatusBadRequest, err.Error(), w)
				return
			}
			WritePlainText(http.StatusOK, response, w)
			return
		default:
			WritePlainText(http.StatusNotAcceptable, "unsupported http method", w)
			return
		}
	})
}

// WritePlainText writes a text/plain response
func WritePlainText(statusCode int, text string, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	fmt.Fprintln(w, text)
}

// StartServer runs handler at bindAddress until stopChan is closed, restarting
// the listener if it fails.
func StartServer(bindAddress string, handler http.Handler, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	var server *http.Server
	wg.Add(1)
	go func() {
		defer wg.Done()
		utilwait.Until(func() {
			klog.Infof("Starting diagnostics server at address %q", bindAddress)
			server = &http.Server{Addr: bindAddress, Handler: handler}

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.ListenAndServe()
			}()
			var err error
			select {
			case err = <-errCh:
				err = fmt.Errorf("failed while running diagnostics server at address %q: %w", bindAddress, err)
				utilruntime.HandleError(err)
			case <-stopChan:
				klog.Infof("Stopping diagnostics server at address %q", bindAddress)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					klog.Errorf("Error stopping diagnostics server at address %q: %v", bindAddress, err)
				}
				// ListenAndServe returns ErrServerClosed once Shutdown starts
				<-errCh
			}
		}, 5*time.Second, stopChan)
	}()
}
