// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides upstream model streaming for the Polychat gateway.
//
// This file contains the model registry: the YAML-declared set of
// selectable models and provider adapters, hot-reloaded on file change.
package llm

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// registryFile is the on-disk schema of the model registry.
//
// Example:
//
//	adapters:
//	  openai-compat:
//	    endpoint: https://api.example.com/v1/chat/completions
//	    requires_auth: true
//	  anthropic-style:
//	    endpoint: https://claude.example.com/v1/chat/completions
//	    requires_auth: true
//	    inline_think_tags: true
//	    headers:
//	      X-Api-Version: "2025-06-01"
//	models:
//	  - id: gpt-x
//	    fallback: gpt-x-mini
//	    display_name: GPT X
//	    provider: openai-compat
//	    supports_vision: true
type registryFile struct {
	Adapters map[string]Adapter `yaml:"adapters"`
	Models   []ModelConfig      `yaml:"models"`
}

// Registry holds the live model set.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Reload swaps the whole model
// set atomically under the write lock.
type Registry struct {
	path string

	mu       sync.RWMutex
	models   []ModelConfig
	adapters map[string]Adapter

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry loads the registry file and starts watching it for changes.
// Callers must Close the registry to release the watcher.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		path: path,
		done: make(chan struct{}),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create registry watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch registry dir: %w", err)
	}
	r.watcher = watcher
	go r.watchLoop()

	return r, nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != r.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				slog.Warn("model registry reload failed, keeping previous set",
					"path", r.path,
					"error", err)
				continue
			}
			slog.Info("model registry reloaded", "path", r.path)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("model registry watcher error", "error", err)
		}
	}
}

// Reload re-reads and validates the registry file, replacing the live set
// on success and keeping the previous set on any failure.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read model registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse model registry: %w", err)
	}

	if len(file.Models) == 0 {
		return fmt.Errorf("model registry %s declares no models", r.path)
	}
	for name, a := range file.Adapters {
		if a.Endpoint == "" {
			return fmt.Errorf("adapter %q has no endpoint", name)
		}
		a.Name = name
		file.Adapters[name] = a
	}
	for _, m := range file.Models {
		if m.ID == "" {
			return fmt.Errorf("model registry contains a model without an id")
		}
		if _, ok := file.Adapters[m.Provider]; !ok {
			return fmt.Errorf("model %q references unknown adapter %q", m.ID, m.Provider)
		}
	}

	r.mu.Lock()
	r.models = file.Models
	r.adapters = file.Adapters
	r.mu.Unlock()
	return nil
}

// Models returns a copy of the current model set.
func (r *Registry) Models() []ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := make([]ModelConfig, len(r.models))
	copy(models, r.models)
	return models
}

// Resolve returns the model descriptor and adapter for one model id.
func (r *Registry) Resolve(id string) (ModelConfig, Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		if m.ID == id {
			return m, r.adapters[m.Provider], nil
		}
	}
	return ModelConfig{}, Adapter{}, fmt.Errorf("unknown model %q", id)
}

// Close stops the file watcher.
func (r *Registry) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
