package osmbridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

type policyFileDocument struct {
	DefaultMaxAge string            `json:"defaultMaxAge"`
	PerKind       map[string]string `json:"perKind,omitempty"`
}

func parsePolicyDocument(data []byte) (Policy, error) {
	var doc policyFileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Policy{}, fmt.Errorf("decode policy file: %w", err)
	}
	policy := DefaultPolicy()
	if doc.DefaultMaxAge != "" {
		age, err := time.ParseDuration(doc.DefaultMaxAge)
		if err != nil {
			return Policy{}, fmt.Errorf("parse defaultMaxAge: %w", err)
		}
		if age <= 0 {
			return Policy{}, fmt.Errorf("defaultMaxAge must be positive, got %q", doc.DefaultMaxAge)
		}
		policy.DefaultMaxAge = age
	}
	for name, raw := range doc.PerKind {
		kind := Kind(name)
		if !kind.Valid() {
			return Policy{}, fmt.Errorf("policy file names unknown kind %q", name)
		}
		age, err := time.ParseDuration(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("parse maxAge for kind %q: %w", name, err)
		}
		if age <= 0 {
			return Policy{}, fmt.Errorf("maxAge for kind %q must be positive", name)
		}
		if policy.PerKind == nil {
			policy.PerKind = map[Kind]time.Duration{}
		}
		policy.PerKind[kind] = age
	}
	return policy, nil
}

// FilePolicy reads the freshness policy from a JSON file and swaps the
// active policy in place when the file changes. A broken rewrite keeps the
// last good policy active.
type FilePolicy struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	current Policy

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
}

func NewFilePolicy(path string, logger zerolog.Logger) (*FilePolicy, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: policy file path is empty", ErrInvalidInput)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	policy, err := parsePolicyDocument(data)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch policy file: %w", err)
	}
	// Watch the directory: editors replace the file rather than write it in
	// place, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch policy file: %w", err)
	}
	fp := &FilePolicy{
		path:    path,
		logger:  logger,
		current: policy,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go fp.watch()
	return fp, nil
}

func (fp *FilePolicy) Current() Policy {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	return fp.current
}

func (fp *FilePolicy) Close() {
	if fp == nil {
		return
	}
	fp.closeOnce.Do(func() {
		fp.watcher.Close()
		<-fp.done
	})
}

func (fp *FilePolicy) watch() {
	defer close(fp.done)
	for {
		select {
		case event, ok := <-fp.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(fp.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			fp.reload()
		case err, ok := <-fp.watcher.Errors:
			if !ok {
				return
			}
			fp.logger.Warn().Err(err).Str("path", fp.path).Msg("policy watcher error")
		}
	}
}

func (fp *FilePolicy) reload() {
	data, err := os.ReadFile(fp.path)
	if err != nil {
		fp.logger.Warn().Err(err).Str("path", fp.path).Msg("policy reload skipped")
		return
	}
	policy, err := parsePolicyDocument(data)
	if err != nil {
		fp.logger.Warn().Err(err).Str("path", fp.path).Msg("policy reload rejected, keeping previous policy")
		return
	}
	fp.mu.Lock()
	fp.current = policy
	fp.mu.Unlock()
	fp.logger.Info().
		Str("path", fp.path).
		Dur("defaultMaxAge", policy.DefaultMaxAge).
		Msg("freshness policy reloaded")
}
