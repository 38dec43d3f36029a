package session

import (
	"path/filepath"
	"sync"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/nanoflow/nanoflow/pkg/log"
	"github.com/nanoflow/nanoflow/pkg/utils"
)

// Session holds the state shared by all executors of one workflow run:
// the configuration tree, the work directory base and the shutdown
// hooks registered by monitors.
type Session struct {
	// Unique identifier of this run.
	Id string

	// Identity of the host, included in diagnostic dumps.
	HostId string

	// Filesystem used for all work directory access.
	Fs utils.Fs

	// Base directory under which task work folders are created.
	WorkDir string

	config map[string]any

	mu       sync.Mutex
	hooks    []func()
	shutdown bool
}

func NewSession(fs utils.Fs, workDir string, config map[string]any) (*Session, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	hostId, err := machineid.ID()
	if err != nil {
		hostId = "unknown"
	}

	return &Session{
		Id:      uuid.NewString(),
		HostId:  hostId,
		Fs:      fs,
		WorkDir: workDir,
		config:  config,
	}, nil
}

// TaskWorkDir returns the work folder for a task content hash,
// splitting the hash into a two-character bucket and the remainder.
func (s *Session) TaskWorkDir(hash string) string {
	return filepath.Join(s.WorkDir, hash[:2], hash[2:])
}

// OnShutdown registers a hook to be invoked when the session
// terminates. Hooks run in reverse registration order.
func (s *Session) OnShutdown(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		go hook()
		return
	}
	s.hooks = append(s.hooks, hook)
}

// Shutdown runs all registered hooks. Idempotent.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	log.Debugf("Session %s shutting down", s.Id)

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

func (s *Session) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}
