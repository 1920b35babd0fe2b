package util

import (
	"fmt"

	"github.com/alexflint/go-filemutex"
	"k8s.io/klog/v2"
)

// HostLock serializes mutating passes between processes on one host.
type HostLock struct {
	path string
	fm   *filemutex.FileMutex
}

// LockHost blocks until the lock file at path is held exclusively by this process.
func LockHost(path string) (*HostLock, error) {
	fm, err := filemutex.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %v", path, err)
	}
	klog.V(5).Infof("Acquiring host lock %s", path)
	if err := fm.Lock(); err != nil {
		fm.Close()
		return nil, fmt.Errorf("failed to lock %s: %v", path, err)
	}
	return &HostLock{path: path, fm: fm}, nil
}

// Unlock releases the lock.
func (l *HostLock) Unlock() {
	if err := l.fm.Unlock(); err != nil {
		klog.Warningf("Failed to unlock %s: %v", l.path, err)
	}
	if err := l.fm.Close(); err != nil {
		klog.Warningf("Failed to close %s: %v", l.path, err)
	}
}
