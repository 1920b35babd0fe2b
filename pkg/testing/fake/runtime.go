package fake

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ovs-container-lab/ovnlab/pkg/workload"
)

// FakeRuntime is an in-memory workload.Runtime
type FakeRuntime struct {
	faults

	mu      sync.Mutex
	running map[string]int
	nextPid int
}

var _ workload.Runtime = &FakeRuntime{}

// NewFakeRuntime returns a runtime with the named workloads running
func NewFakeRuntime(running ...string) *FakeRuntime {
	f := &FakeRuntime{running: map[string]int{}, nextPid: 1000}
	for _, name := range running {
		f.Start(name)
	}
	return f
}

// NetnsPath is the namespace path the fake reports for pid
func NetnsPath(pid int) string {
	return fmt.Sprintf("/proc/%d/ns/net", pid)
}

// Start runs name with a new pid and returns its namespace path
func (f *FakeRuntime) Start(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPid++
	f.running[name] = f.nextPid
	return NetnsPath(f.nextPid)
}

// Stop marks name as not running
func (f *FakeRuntime) Stop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
}

// Netns returns the namespace path of a running workload, or ""
func (f *FakeRuntime) Netns(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	pid, ok := f.running[name]
	if !ok {
		return ""
	}
	return NetnsPath(pid)
}

func (f *FakeRuntime) Inspect(ctx context.Context, name string) (*workload.Info, error) {
	if err := f.injected("Inspect"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pid, ok := f.running[name]
	if !ok {
		return &workload.Info{}, nil
	}
	return &workload.Info{Running: true, Pid: pid, NetnsPath: NetnsPath(pid)}, nil
}

func (f *FakeRuntime) ListRunning(ctx context.Context) ([]string, error) {
	if err := f.injected("ListRunning"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.running), nil
}

// FakeAgent is a workload.AgentService that counts restarts
type FakeAgent struct {
	faults

	mu       sync.Mutex
	restarts int
}

var _ workload.AgentService = &FakeAgent{}

func (f *FakeAgent) Restart(ctx context.Context) error {
	if err := f.injected("Restart"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

// Restarts returns how many times the agent was restarted
func (f *FakeAgent) Restarts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

// FakePinger is a workload.ConnectivityChecker over a set of reachable pairs
type FakePinger struct {
	mu        sync.Mutex
	reachable map[string]bool
}

var _ workload.ConnectivityChecker = &FakePinger{}

// Allow makes destination reachable from source
func (f *FakePinger) Allow(source, destination string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reachable == nil {
		f.reachable = map[string]bool{}
	}
	f.reachable[source+">"+destination] = true
}

func (f *FakePinger) Ping(ctx context.Context, source string, destination net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reachable[source+">"+destination.String()] {
		return fmt.Errorf("%s cannot reach %s: 100%% packet loss", source, destination)
	}
	return nil
}
