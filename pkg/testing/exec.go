package testing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"k8s.io/klog/v2"
	kexec "k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"
)

// ExpectedCmd contains properties that the testcase expects a called command
// to have as well as the output that the fake command should return
type ExpectedCmd struct {
	// Cmd should be the command-line string of the executable name and all arguments it is expected to be called with
	Cmd string
	// Output is any stdout output which Cmd should produce
	Output string
	// Stderr is any stderr output which Cmd should produce
	Stderr string
	// Err is any error that should be returned for the invocation of Cmd
	Err error
	// Action is run when the fake command is "run"
	Action func() error
}

// FakeExec is a kexec.Interface that replays a scripted list of commands
type FakeExec struct {
	mu sync.Mutex
	// looseCompare matches commands regardless of the order they were added in
	looseCompare bool
	expected     []*ExpectedCmd
	executed     []string
	// ErrorDesc describes the first mismatch, for use in assertions
	ErrorDesc string
}

var _ kexec.Interface = &FakeExec{}

// NewFakeExec returns a new FakeExec with a strictly ordered set of expected commands
func NewFakeExec() *FakeExec {
	return &FakeExec{}
}

// NewLooseCompareFakeExec returns a new FakeExec that matches expected
// commands regardless of the order they are run in
func NewLooseCompareFakeExec() *FakeExec {
	return &FakeExec{looseCompare: true}
}

// CalledMatchesExpected returns true if the number of commands the code under
// test called matches the number of expected commands in the FakeExec's list
// and no mismatch was seen
func (f *FakeExec) CalledMatchesExpected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ErrorDesc != "" {
		return false
	}
	if len(f.expected) != 0 {
		f.ErrorDesc = fmt.Sprintf("%d expected commands were not run, first: %q", len(f.expected), f.expected[0].Cmd)
		return false
	}
	return true
}

// ExecutedCommands returns every command line run so far
func (f *FakeExec) ExecutedCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.executed...)
}

// AddFakeCmd takes the ExpectedCmd and appends its runner function to
// a fake command action list of the FakeExec
func (f *FakeExec) AddFakeCmd(expected *ExpectedCmd) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expected = append(f.expected, expected)
}

// AddFakeCmdsNoOutputNoError appends a list of commands to the expected
// command set. The command cannot return any output or error.
func (f *FakeExec) AddFakeCmdsNoOutputNoError(commands []string) {
	for _, cmd := range commands {
		f.AddFakeCmd(&ExpectedCmd{Cmd: cmd})
	}
}

// LookPath is for finding the path of a file
func (f *FakeExec) LookPath(file string) (string, error) {
	return file, nil
}

// Command returns a kexec.Cmd that replays the next expected command
func (f *FakeExec) Command(cmd string, args ...string) kexec.Cmd {
	return f.CommandContext(context.Background(), cmd, args...)
}

// CommandContext wraps arguments into exec.Cmd
func (f *FakeExec) CommandContext(ctx context.Context, cmd string, args ...string) kexec.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmdLine := strings.Join(append([]string{cmd}, args...), " ")
	f.executed = append(f.executed, cmdLine)
	klog.V(5).Infof("fake exec: %s", cmdLine)

	expected := f.match(cmdLine)
	action := func() ([]byte, []byte, error) {
		if expected == nil {
			return nil, nil, fmt.Errorf("unexpected command %q", cmdLine)
		}
		if expected.Action != nil {
			if err := expected.Action(); err != nil {
				return nil, nil, err
			}
		}
		return []byte(expected.Output), []byte(expected.Stderr), expected.Err
	}
	fake := &testingexec.FakeCmd{
		RunScript:            []testingexec.FakeAction{action},
		CombinedOutputScript: []testingexec.FakeAction{action},
		OutputScript:         []testingexec.FakeAction{action},
	}
	return testingexec.InitFakeCmd(fake, cmd, args...)
}

// match pops the expected command for cmdLine, recording the first mismatch.
func (f *FakeExec) match(cmdLine string) *ExpectedCmd {
	if len(f.expected) == 0 {
		if f.ErrorDesc == "" {
			f.ErrorDesc = fmt.Sprintf("ran out of expected commands at %q", cmdLine)
		}
		return nil
	}
	if f.looseCompare {
		for i, e := range f.expected {
			if e.Cmd == cmdLine {
				f.expected = append(f.expected[:i], f.expected[i+1:]...)
				return e
			}
		}
		if f.ErrorDesc == "" {
			f.ErrorDesc = fmt.Sprintf("unexpected command %q", cmdLine)
		}
		return nil
	}
	e := f.expected[0]
	if e.Cmd != cmdLine {
		if f.ErrorDesc == "" {
			f.ErrorDesc = fmt.Sprintf("expected command %q but got %q", e.Cmd, cmdLine)
		}
		return nil
	}
	f.expected = f.expected[1:]
	return e
}
