package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/i2y/mcpvhost/internal/domain"
)

const (
	// DefaultStoreTimeout bounds each configuration load.
	DefaultStoreTimeout = 10 * time.Second
	// DefaultLoadConcurrency bounds how many servers LoadAll composes at once.
	DefaultLoadConcurrency = 8
)

// Registry maps server IDs to their composed services. Reads are safe during mutation;
// mutations of the same ID are serialized.
type Registry struct {
	store        ServerStore
	executor     *InstanceExecutor
	storeTimeout time.Duration
	concurrency  int
	logger       *slog.Logger

	mu       sync.RWMutex
	services map[string]*VirtualService
	locks    keyedMutex

	registered metric.Int64UpDownCounter
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStoreTimeout overrides DefaultStoreTimeout.
func WithStoreTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.storeTimeout = d
		}
	}
}

// WithLoadConcurrency overrides DefaultLoadConcurrency.
func WithLoadConcurrency(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(store ServerStore, executor *InstanceExecutor, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:        store,
		executor:     executor,
		storeTimeout: DefaultStoreTimeout,
		concurrency:  DefaultLoadConcurrency,
		logger:       logger.With("component", "registry"),
		services:     make(map[string]*VirtualService),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.registered, _ = otel.Meter(instrumentationName).Int64UpDownCounter(
		"mcpvhost.registry.servers",
		metric.WithDescription("Virtual servers currently registered"),
	)
	return r
}

// Get returns the service registered under id.
func (r *Registry) Get(id string) (*VirtualService, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	return svc, ok
}

// List returns the registered server IDs in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Register loads the server and its instances and publishes a freshly composed service,
// replacing any previous one. On failure the previous registration stays in place.
func (r *Registry) Register(ctx context.Context, id string) error {
	unlock := r.locks.lock(id)
	defer unlock()

	server, instances, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	svc, err := NewVirtualService(server, instances, r.executor, r.logger)
	if err != nil {
		return fmt.Errorf("failed to compose server %s: %w", id, err)
	}

	r.mu.Lock()
	old, existed := r.services[id]
	r.services[id] = svc
	r.mu.Unlock()

	if existed {
		r.shutdown(ctx, old)
	} else {
		r.registered.Add(ctx, 1)
	}
	r.logger.Info("Server registered", slog.String("server_id", id), slog.Int("tools", len(instances)), slog.Bool("replaced", existed))
	return nil
}

// Unregister removes the service for id. Unknown IDs are ignored.
func (r *Registry) Unregister(ctx context.Context, id string) {
	unlock := r.locks.lock(id)
	defer unlock()

	r.mu.Lock()
	svc, ok := r.services[id]
	delete(r.services, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.registered.Add(ctx, -1)
	r.shutdown(ctx, svc)
	r.logger.Info("Server unregistered", slog.String("server_id", id))
}

// ReloadTools re-reads the instances of a registered server and swaps its tool list in
// place. Connected sessions keep working.
func (r *Registry) ReloadTools(ctx context.Context, id string) error {
	unlock := r.locks.lock(id)
	defer unlock()

	svc, ok := r.Get(id)
	if !ok {
		return domain.NewNotFoundError("registered server", id)
	}
	loadCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	instances, err := r.store.ListInstances(loadCtx, id)
	if err != nil {
		return fmt.Errorf("failed to load instances for server %s: %w", id, err)
	}
	if err := svc.replace(svc.Server(), instances); err != nil {
		return err
	}
	r.logger.Info("Server tools reloaded", slog.String("server_id", id), slog.Int("tools", len(instances)))
	return nil
}

// LoadAll registers every persisted server. A server that fails to load is logged and
// skipped. It returns the number of servers registered.
func (r *Registry) LoadAll(ctx context.Context) (int, error) {
	listCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	servers, err := r.store.ListServers(listCtx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to list servers: %w", err)
	}

	var (
		mu     sync.Mutex
		loaded int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, s := range servers {
		id := s.ID
		g.Go(func() error {
			if err := r.Register(gctx, id); err != nil {
				r.logger.Error("Failed to register server", slog.String("server_id", id), slog.Any("error", err))
				return nil
			}
			mu.Lock()
			loaded++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	r.logger.Info("Servers loaded", slog.Int("loaded", loaded), slog.Int("total", len(servers)))
	return loaded, nil
}

// Shutdown unregisters every service and closes its sessions.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	services := r.services
	r.services = make(map[string]*VirtualService)
	r.mu.Unlock()

	var errs []error
	for id, svc := range services {
		r.registered.Add(ctx, -1)
		if err := svc.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", id, err))
		}
	}
	r.logger.Info("All servers shut down", slog.Int("count", len(services)))
	return errors.Join(errs...)
}

func (r *Registry) load(ctx context.Context, id string) (*domain.VirtualServer, []domain.ToolInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	server, err := r.store.GetServer(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	instances, err := r.store.ListInstances(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load instances for server %s: %w", id, err)
	}
	return server, instances, nil
}

func (r *Registry) shutdown(ctx context.Context, svc *VirtualService) {
	if err := svc.Shutdown(ctx); err != nil {
		r.logger.Warn("Failed to shut down replaced service", slog.String("server_id", svc.ServerID()), slog.Any("error", err))
	}
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
