// Package prompt provides the agent's system instructions, read from a file
// and reloaded when it changes.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultInstructions are used when no prompt file is present.
const DefaultInstructions = `You build trading strategies for the user by composing cards from trading archetypes with the available tools. Creating the strategy is the goal; discussing it is not enough.

When the user asks for a strategy:
1. Call get_archetypes() to find suitable archetypes.
2. Call get_archetype_schema(type) for each archetype you will use.
3. Create cards with create_card(), using sensible defaults from the schema examples.
4. Create the strategy with create_strategy() for the symbols the user asked for.
5. Attach the cards with attach_card().
6. Describe the finished strategy.

Only ask a question when something essential is missing, such as which symbols to trade. Otherwise pick reasonable defaults and build.

The user is new to trading. Write in plain language, avoid jargon and identifiers with underscores, and describe settings by their effect rather than raw numbers. Do not reveal internal implementation details.`

// Loader serves the current instructions. The zero value is not usable;
// construct with NewLoader.
type Loader struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	current string
	source  string
}

// NewLoader reads path once. A missing file selects DefaultInstructions;
// any other read error is returned.
func NewLoader(path string, log *slog.Logger) (*Loader, error) {
	if log == nil {
		log = slog.Default()
	}
	l := &Loader{path: strings.TrimSpace(path), log: log}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Current returns the active instructions.
func (l *Loader) Current() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Source is the file path in use, or "builtin".
func (l *Loader) Source() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.source
}

// Reload re-reads the prompt file. An empty file falls back to the
// built-in instructions.
func (l *Loader) Reload() error {
	text, source, err := l.read()
	if err != nil {
		return err
	}
	l.mu.Lock()
	changed := l.current != text
	l.current = text
	l.source = source
	l.mu.Unlock()
	if changed {
		l.log.Info("system prompt loaded", "source", source, "chars", len(text))
	}
	return nil
}

func (l *Loader) read() (string, string, error) {
	if l.path == "" {
		return DefaultInstructions, "builtin", nil
	}
	b, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultInstructions, "builtin", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("read system prompt %s: %w", l.path, err)
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return DefaultInstructions, "builtin", nil
	}
	return text, l.path, nil
}

// Watch reloads the prompt when its file is written, created or removed,
// until ctx is done. The directory is watched so editors that replace the
// file are handled.
func (l *Loader) Watch(ctx context.Context) error {
	if l.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	const debounce = 100 * time.Millisecond
	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	base := filepath.Base(l.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := l.Reload(); err != nil {
				l.log.Warn("system prompt reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("system prompt watcher error", "error", err)
		}
	}
}
