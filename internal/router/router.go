// Package router maps a project path to a stable per-project Service,
// isolating each project's event/vector store while sharing an optional
// SharedStore across them, and caching service instances for reuse
// across hook invocations within the same process.
package router

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/buzzni/code-memory/internal/bus"
	"github.com/buzzni/code-memory/internal/embedding"
	"github.com/buzzni/code-memory/internal/eventstore"
	"github.com/buzzni/code-memory/internal/graduation"
	"github.com/buzzni/code-memory/internal/matcher"
	"github.com/buzzni/code-memory/internal/retriever"
	"github.com/buzzni/code-memory/internal/sharedstore"
	"github.com/buzzni/code-memory/internal/vectorstore"
	"github.com/buzzni/code-memory/internal/workingset"
)

// ProjectHash derives the spec's stable per-project identifier: the
// first 8 hex characters of sha256(realpath(projectPath)).
func ProjectHash(projectPath string) (string, error) {
	real, err := filepath.EvalSymlinks(projectPath)
	if err != nil {
		// Fall back to the absolute (non-symlink-resolved) path so a
		// not-yet-created directory can still be hashed deterministically.
		abs, absErr := filepath.Abs(projectPath)
		if absErr != nil {
			return "", fmt.Errorf("resolve project path: %w", err)
		}
		real = abs
	}
	sum := sha256.Sum256([]byte(real))
	return fmt.Sprintf("%x", sum[:4]), nil
}

// Service bundles one project's fully wired memory engine: the store
// layer plus the background components that need direct method access
// (hooks call these synchronously; workers are started separately by
// the daemon).
type Service struct {
	ProjectHash string
	ProjectPath string

	Events     *eventstore.Store
	Vectors    *vectorstore.Store
	Embedder   embedding.Embedder
	Matcher    *matcher.Matcher
	Retriever  *retriever.Retriever
	Graduation *graduation.Pipeline
	WorkingSet *workingset.Set
	Bus        *bus.Client

	Lightweight bool // only Events is wired; no embedder/vector/workers
}

// Close releases the service's owned resources. The shared bus client
// and SharedStore (if any) are owned by the Router, not the Service, so
// they are not closed here.
func (s *Service) Close() error {
	if s.Events != nil {
		return s.Events.Close()
	}
	return nil
}

// Dependencies are the process-wide collaborators every full Service
// shares: an embedder, a shared store (optional), and a bus client
// (optional — hook-invoked lightweight services never get one).
type Dependencies struct {
	BaseDir      string
	Embedder     embedding.Embedder
	Shared       *sharedstore.Store // may be nil
	Bus          *bus.Client        // may be nil
	Log          zerolog.Logger
	MatcherOpts  []matcher.Option
	GradConfig   graduation.Config
	WorkingSetCf workingset.Config
}

// Router caches one Service per project hash and answers the spec's
// get_global_service / get_service_for_project / get_service_for_session
// / get_lightweight_service lookups.
type Router struct {
	deps Dependencies

	mu       sync.RWMutex
	services map[string]*Service
	registry *SessionRegistry

	global     *Service
	globalOnce sync.Once
}

// New constructs a Router. The session registry is loaded lazily on
// first use from deps.BaseDir/session-registry.json.
func New(deps Dependencies) *Router {
	return &Router{
		deps:     deps,
		services: map[string]*Service{},
		registry: NewSessionRegistry(filepath.Join(deps.BaseDir, "session-registry.json")),
	}
}

// GetGlobalService returns (creating once) the process-wide fallback
// service, rooted at the base directory rather than any one project.
func (r *Router) GetGlobalService() (*Service, error) {
	var err error
	r.globalOnce.Do(func() {
		r.global, err = r.newService(filepath.Join(r.deps.BaseDir, "global"), "global")
	})
	if err != nil {
		return nil, err
	}
	return r.global, nil
}

// GetServiceForProject returns the cached Service for projectPath,
// constructing and caching a new one on first access.
func (r *Router) GetServiceForProject(projectPath string) (*Service, error) {
	hash, err := ProjectHash(projectPath)
	if err != nil {
		return nil, err
	}
	svc, err := r.GetServiceByHash(hash)
	if err != nil {
		return nil, err
	}
	if svc.ProjectPath == "" {
		r.mu.Lock()
		svc.ProjectPath = projectPath
		r.mu.Unlock()
	}
	return svc, nil
}

// GetServiceByHash returns the cached Service for an already-known
// project hash, constructing and caching a new one on first access. Its
// ProjectPath is left empty unless the caller (or a later
// GetServiceForProject call for the same hash) fills it in — a hash
// discovered by scanning disk (see DiscoverProjectHashes) has no
// associated path until a hook resolves one.
func (r *Router) GetServiceByHash(hash string) (*Service, error) {
	r.mu.RLock()
	svc, ok := r.services[hash]
	r.mu.RUnlock()
	if ok {
		return svc, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.services[hash]; ok {
		return svc, nil
	}

	storePath := filepath.Join(r.deps.BaseDir, "projects", hash)
	svc, err := r.newService(storePath, hash)
	if err != nil {
		return nil, err
	}
	r.services[hash] = svc
	return svc, nil
}

// DiscoverProjectHashes scans BaseDir/projects for per-project store
// directories left on disk by any memoryhook process (memoryhook and
// memoryd are separate OS processes with independent Router instances,
// so memoryd never learns about a project through GetServiceForProject
// calls of its own — it has to find the SQLite files memoryhook already
// created). Returns an empty slice, not an error, if the directory does
// not exist yet.
func (r *Router) DiscoverProjectHashes() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.deps.BaseDir, "projects"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan project directories: %w", err)
	}
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			hashes = append(hashes, e.Name())
		}
	}
	return hashes, nil
}

// OpenServices returns a snapshot of every Service currently cached by
// this Router (every per-project service opened so far, plus the global
// one if it has been created). Used by memoryd to (re)start workers for
// services as they are discovered.
func (r *Router) OpenServices() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, 0, len(r.services)+1)
	for _, svc := range r.services {
		out = append(out, svc)
	}
	if r.global != nil {
		out = append(out, r.global)
	}
	return out
}

// GetServiceForSession resolves sessionID to a project via the session
// registry, falling back to the global service if the session is unknown.
func (r *Router) GetServiceForSession(sessionID string) (*Service, error) {
	entry, ok := r.registry.Lookup(sessionID)
	if !ok {
		return r.GetGlobalService()
	}
	return r.GetServiceForProject(entry.ProjectPath)
}

// GetLightweightService opens only the SQL event store for sessionID's
// project — no embedder, vector store, or background workers — for
// latency-sensitive hooks that only need to append or read rows.
func (r *Router) GetLightweightService(sessionID string) (*Service, error) {
	entry, ok := r.registry.Lookup(sessionID)
	projectHash := "global"
	projectPath := filepath.Join(r.deps.BaseDir, "global")
	if ok {
		projectHash = entry.ProjectHash
		projectPath = entry.ProjectPath
	}

	storePath := filepath.Join(r.deps.BaseDir, "projects", projectHash)
	if projectHash == "global" {
		storePath = filepath.Join(r.deps.BaseDir, "global")
	}
	if err := os.MkdirAll(storePath, 0o755); err != nil {
		return nil, fmt.Errorf("create project store dir: %w", err)
	}

	es, err := eventstore.Open(filepath.Join(storePath, "events.db"), false)
	if err != nil {
		return nil, err
	}
	return &Service{ProjectHash: projectHash, ProjectPath: projectPath, Events: es, Lightweight: true}, nil
}

// RegisterSession records sessionID's project mapping, used by the
// SessionStart hook.
func (r *Router) RegisterSession(sessionID, projectPath string) error {
	hash, err := ProjectHash(projectPath)
	if err != nil {
		return err
	}
	return r.registry.Register(sessionID, projectPath, hash)
}

func (r *Router) newService(storePath, hash string) (*Service, error) {
	if err := os.MkdirAll(storePath, 0o755); err != nil {
		return nil, fmt.Errorf("create project store dir: %w", err)
	}

	es, err := eventstore.Open(filepath.Join(storePath, "events.db"), false)
	if err != nil {
		return nil, err
	}

	vs, err := vectorstore.Open(es.DB())
	if err != nil {
		es.Close()
		return nil, err
	}

	m := matcher.New(r.deps.MatcherOpts...)
	ws := workingset.New(es, r.deps.WorkingSetCf)
	grad := graduation.New(es, r.deps.GradConfig, r.deps.Log)

	var sharedSearcher retriever.SharedSearcher
	if r.deps.Shared != nil {
		sharedSearcher = r.deps.Shared
	}
	rt := retriever.New(es, vs, r.deps.Embedder, m, sharedSearcher, grad)

	return &Service{
		ProjectHash: hash,
		Events:      es,
		Vectors:     vs,
		Embedder:    r.deps.Embedder,
		Matcher:     m,
		Retriever:   rt,
		Graduation:  grad,
		WorkingSet:  ws,
		Bus:         r.deps.Bus,
	}, nil
}

// CloseAll closes every cached service (used on daemon shutdown).
func (r *Router) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for hash, svc := range r.services {
		if err := svc.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close service %s: %w", hash, err)
		}
	}
	if r.global != nil {
		if err := r.global.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
