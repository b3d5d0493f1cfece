package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/polisai/polis-pipelines/pkg/domain"
)

const debounceDuration = 100 * time.Millisecond

// FileConfigProvider implements domain.ConfigService over an endpoint
// definitions file. With watching enabled it reloads the file when it
// changes; a file that fails to parse leaves the previous snapshot in place.
type FileConfigProvider struct {
	path        string
	logger      *slog.Logger
	onError     func(error)
	mu          sync.RWMutex
	snapshot    domain.Snapshot
	subscribers []chan domain.Snapshot
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// ProviderOption customizes a FileConfigProvider.
type ProviderOption func(*FileConfigProvider)

// WithLogger sets the provider's logger.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *FileConfigProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithReloadErrorHandler registers a callback for reloads that fail to parse.
func WithReloadErrorHandler(fn func(error)) ProviderOption {
	return func(p *FileConfigProvider) {
		p.onError = fn
	}
}

// NewFileConfigProvider loads the file and, when watch is set, starts
// watching it. The initial load must succeed.
func NewFileConfigProvider(path string, watch bool, opts ...ProviderOption) (*FileConfigProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &FileConfigProvider{
		path:   absPath,
		logger: slog.Default(),
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.load(); err != nil {
		cancel()
		return nil, err
	}

	if !watch {
		return p, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	go p.watchLoop(ctx)

	return p, nil
}

// Path returns the watched file.
func (p *FileConfigProvider) Path() string {
	return p.path
}

// CurrentSnapshot returns the current configuration.
func (p *FileConfigProvider) CurrentSnapshot() domain.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// UpdateSnapshot replaces the in-memory snapshot and notifies subscribers.
// The file on disk is left untouched; the next file change overrides it.
func (p *FileConfigProvider) UpdateSnapshot(snapshot domain.Snapshot) error {
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now()
	}
	p.publish(snapshot)
	return nil
}

// Subscribe returns a channel that receives configuration updates. The
// current snapshot is delivered immediately. Slow subscribers only see the
// latest snapshot.
func (p *FileConfigProvider) Subscribe() <-chan domain.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan domain.Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.snapshot
	return ch
}

// Reload re-reads the file immediately.
func (p *FileConfigProvider) Reload() error {
	return p.load()
}

// Close stops the watcher and closes subscriber channels.
func (p *FileConfigProvider) Close() error {
	p.cancel()
	var err error
	if p.watcher != nil {
		err = p.watcher.Close()
	}
	p.mu.Lock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	p.mu.Unlock()
	return err
}

func (p *FileConfigProvider) watchLoop(ctx context.Context) {
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

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					if ctx.Err() != nil {
						return
					}
					if err := p.load(); err != nil {
						p.logger.Error("endpoint reload failed", "path", p.path, "error", err)
						if p.onError != nil {
							p.onError(err)
						}
						return
					}
					p.logger.Info("endpoints reloaded", "path", p.path, "generation", p.CurrentSnapshot().Generation)
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("endpoint watcher error", "error", err)
		}
	}
}

func (p *FileConfigProvider) load() error {
	snapshot, err := LoadEndpoints(p.path)
	if err != nil {
		return err
	}
	p.publish(snapshot)
	return nil
}

func (p *FileConfigProvider) publish(snapshot domain.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot = snapshot
	for _, ch := range p.subscribers {
		// Drop a stale pending snapshot so the latest one always lands.
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
