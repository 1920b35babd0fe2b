// Package fake holds in-memory implementations of the northbound, virtual
// switch, runtime and namespace interfaces. Every fake counts its mutating
// calls and accepts per-method error injection.
package fake

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/copystructure"
)

// faults maps a method name to the error it returns next
type faults struct {
	mu     sync.Mutex
	errors map[string]error
	sticky map[string]bool
}

// FailOn makes every call of method return err until Clear is called
func (f *faults) FailOn(method string, err error) {
	f.set(method, err, true)
}

// FailOnce makes the next call of method return err
func (f *faults) FailOnce(method string, err error) {
	f.set(method, err, false)
}

func (f *faults) set(method string, err error, sticky bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errors == nil {
		f.errors = map[string]error{}
		f.sticky = map[string]bool{}
	}
	f.errors[method] = err
	f.sticky[method] = sticky
}

// Clear removes every injected error
func (f *faults) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = nil
	f.sticky = nil
}

func (f *faults) injected(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err, ok := f.errors[method]
	if !ok {
		return nil
	}
	if !f.sticky[method] {
		delete(f.errors, method)
	}
	return fmt.Errorf("injected %s failure: %w", method, err)
}

// mutations records the mutating calls a fake has served
type mutations struct {
	mu    sync.Mutex
	calls []string
}

func (m *mutations) record(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

// Mutations returns how many mutating calls succeeded
func (m *mutations) Mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// MutatingCalls returns the mutating calls in the order they were made
func (m *mutations) MutatingCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// ResetMutations forgets the recorded calls
func (m *mutations) ResetMutations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func copyIDs(ids map[string]string) map[string]string {
	if ids == nil {
		return nil
	}
	return copystructure.Must(copystructure.Copy(ids)).(map[string]string)
}

func mergeIDs(into, from map[string]string) map[string]string {
	if into == nil {
		into = map[string]string{}
	}
	for k, v := range from {
		into[k] = v
	}
	return into
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
