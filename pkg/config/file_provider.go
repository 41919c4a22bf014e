package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/policy"
)

const defaultReloadDebounce = 100 * time.Millisecond

// ProviderOptions tune a FilePolicyProvider.
type ProviderOptions struct {
	// Watch enables hot reload through an fsnotify watch on the file's directory.
	Watch    bool
	Debounce time.Duration
	Logger   *slog.Logger
}

// FilePolicyProvider implements domain.PolicyProvider over a local policy file.
// Until a snapshot compiles, IsPoliciesAvailable reports false. A reload that fails
// keeps the previous snapshot.
type FilePolicyProvider struct {
	path     string
	registry *policy.Registry
	logger   *slog.Logger
	debounce time.Duration

	reloadMu sync.Mutex

	mu          sync.RWMutex
	snapshot    *Snapshot
	generation  int64
	listeners   []func()
	subscribers []chan *Snapshot

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFilePolicyProvider loads the policy file and, when requested, starts watching
// it. A missing file is not an error: the provider starts without policies and
// picks the file up once it is created.
func NewFilePolicyProvider(path string, registry *policy.Registry, opts ProviderOptions) (*FilePolicyProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultReloadDebounce
	}

	p := &FilePolicyProvider{
		path:     absPath,
		registry: registry,
		logger:   opts.Logger.With("policy_file", absPath),
		debounce: opts.Debounce,
		done:     make(chan struct{}),
	}

	if err := p.Reload(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		p.logger.Warn("policy file not found, starting without policies")
	}

	if !opts.Watch {
		close(p.done)
		return p, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.watcher = watcher
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Reload reads and compiles the policy file, then publishes the new snapshot.
func (p *FilePolicyProvider) Reload() error {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	file, err := LoadPolicyFile(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	generation := p.generation + 1
	p.mu.Unlock()

	snapshot, err := Compile(file, p.registry, generation)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.generation = generation
	p.snapshot = snapshot
	listeners := append([]func(){}, p.listeners...)
	subscribers := append([]chan *Snapshot{}, p.subscribers...)
	p.mu.Unlock()

	p.logger.Info("policies loaded", "generation", generation, "policies", snapshot.Len())

	for _, fn := range listeners {
		fn()
	}
	for _, ch := range subscribers {
		select {
		case ch <- snapshot:
		default:
			// Skip if channel is full (slow consumer)
		}
	}
	return nil
}

// Current returns the active snapshot, or nil when none compiled yet.
func (p *FilePolicyProvider) Current() *Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// FindSourcePolicies implements domain.PolicyProvider.
func (p *FilePolicyProvider) FindSourcePolicies(params domain.PointcutParameters) ([]domain.Policy, error) {
	snapshot := p.Current()
	if snapshot == nil {
		return nil, nil
	}
	return snapshot.SourcePolicies(params)
}

// FindOperationPolicies implements domain.PolicyProvider.
func (p *FilePolicyProvider) FindOperationPolicies(params domain.PointcutParameters) ([]domain.Policy, error) {
	snapshot := p.Current()
	if snapshot == nil {
		return nil, nil
	}
	return snapshot.OperationPolicies(params)
}

// IsPoliciesAvailable implements domain.PolicyProvider.
func (p *FilePolicyProvider) IsPoliciesAvailable() bool {
	snapshot := p.Current()
	return snapshot != nil && snapshot.Len() > 0
}

// OnPoliciesChanged implements domain.PolicyProvider.
func (p *FilePolicyProvider) OnPoliciesChanged(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, callback)
}

// Subscribe returns a channel that receives every published snapshot. The current
// snapshot, if any, is delivered immediately.
func (p *FilePolicyProvider) Subscribe() <-chan *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	if p.snapshot != nil {
		ch <- p.snapshot
	}
	return ch
}

// Close stops the watcher and waits for the watch loop to exit.
func (p *FilePolicyProvider) Close() error {
	if p.watcher == nil {
		return nil
	}
	p.cancel()
	err := p.watcher.Close()
	<-p.done
	return err
}

func (p *FilePolicyProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(p.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := p.Reload(); err != nil {
					p.logger.Error("policy reload failed, keeping previous policies", "error", err)
				}
			})
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("policy watcher error", "error", err)
		}
	}
}

var _ domain.PolicyProvider = (*FilePolicyProvider)(nil)
