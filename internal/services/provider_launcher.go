package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"

	"memograph/internal/config"
)

// ProcessLauncher spawns a configured local provider command at most once
// per lifetime of the process it started. EmbeddingClient uses it for the
// "service not yet started" recovery path; it intentionally has no health
// polling or restart policy of its own.
type ProcessLauncher struct {
	mu       sync.Mutex
	provider config.ProviderEntry
	proc     *exec.Cmd
}

// NewProcessLauncher creates a launcher for the given provider entry.
func NewProcessLauncher(provider config.ProviderEntry) *ProcessLauncher {
	return &ProcessLauncher{provider: provider}
}

// SetProvider swaps the launch command (providers.yaml hot reload).
func (l *ProcessLauncher) SetProvider(provider config.ProviderEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.provider = provider
}

// Launch starts the provider process if it is not already running.
func (l *ProcessLauncher) Launch(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.proc != nil {
		return nil // already launched and not yet reaped
	}
	if l.provider.Command == "" {
		return fmt.Errorf("no launch command configured for provider %s", l.provider.BaseURL)
	}

	log.Printf("🚀 [LAUNCHER] Starting provider: %s %s", l.provider.Command, strings.Join(l.provider.Args, " "))
	cmd := exec.Command(l.provider.Command, l.provider.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start provider process: %w", err)
	}

	l.proc = cmd
	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.proc == cmd {
			log.Printf("⚠️ [LAUNCHER] Provider process exited (err=%v)", err)
			l.proc = nil
		}
	}()

	return nil
}

// Stop terminates the launched process if any. Safe when nothing runs.
func (l *ProcessLauncher) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.proc != nil && l.proc.Process != nil {
		log.Printf("⏹️ [LAUNCHER] Stopping provider (pid %d)", l.proc.Process.Pid)
		_ = l.proc.Process.Kill()
	}
	l.proc = nil
}
