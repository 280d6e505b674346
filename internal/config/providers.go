package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ProvidersConfig describes the external processes the pipeline talks to.
// Provider identity and location is configuration, never code.
type ProvidersConfig struct {
	Embedding  ProviderEntry `yaml:"embedding"`
	Clustering ProviderEntry `yaml:"clustering"`
}

// ProviderEntry is one external provider: an HTTP endpoint plus an
// optional local command used to spawn it when it is not running.
type ProviderEntry struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key,omitempty"`
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
}

// LoadProviders loads the providers configuration from a YAML file.
func LoadProviders(filePath string) (*ProvidersConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var cfg ProvidersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse providers YAML: %w", err)
	}

	if cfg.Embedding.BaseURL == "" {
		return nil, fmt.Errorf("providers file %s: embedding.base_url is required", filePath)
	}
	if cfg.Clustering.BaseURL == "" {
		return nil, fmt.Errorf("providers file %s: clustering.base_url is required", filePath)
	}

	return &cfg, nil
}

// ProviderWatcher hot-reloads the providers file and hands the parsed
// result to a callback. Invalid edits are logged and skipped; the last
// good configuration stays active.
type ProviderWatcher struct {
	filePath string
	watcher  *fsnotify.Watcher
	onChange func(*ProvidersConfig)
	mu       sync.Mutex
	current  *ProvidersConfig
	done     chan struct{}
}

// NewProviderWatcher loads the file once and starts watching its directory.
func NewProviderWatcher(filePath string, onChange func(*ProvidersConfig)) (*ProviderWatcher, error) {
	initial, err := LoadProviders(filePath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save.
	if err := watcher.Add(filepath.Dir(filePath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(filePath), err)
	}

	pw := &ProviderWatcher{
		filePath: filePath,
		watcher:  watcher,
		onChange: onChange,
		current:  initial,
		done:     make(chan struct{}),
	}
	go pw.loop()
	return pw, nil
}

// Current returns the most recently loaded good configuration.
func (pw *ProviderWatcher) Current() *ProvidersConfig {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.current
}

func (pw *ProviderWatcher) loop() {
	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(pw.filePath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadProviders(pw.filePath)
			if err != nil {
				log.Printf("⚠️ [PROVIDERS] Reload skipped, file invalid: %v", err)
				continue
			}
			pw.mu.Lock()
			pw.current = cfg
			pw.mu.Unlock()
			log.Printf("🔄 [PROVIDERS] Reloaded %s", pw.filePath)
			if pw.onChange != nil {
				pw.onChange(cfg)
			}
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️ [PROVIDERS] Watcher error: %v", err)
		case <-pw.done:
			return
		}
	}
}

// Close stops watching.
func (pw *ProviderWatcher) Close() error {
	close(pw.done)
	return pw.watcher.Close()
}
