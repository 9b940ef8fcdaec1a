package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"opsagent/internal/agent"
	"opsagent/internal/config"
)

// ContextSource supplies the payload handed to agents on every run.
type ContextSource interface {
	Load(ctx context.Context) (agent.Payload, error)
}

// FileContextSource reads a YAML or JSON snapshot on every Load so edits are
// picked up without a reload. An empty path yields empty sections.
type FileContextSource struct {
	mu   sync.RWMutex
	path string
}

func NewFileContextSource(path string) *FileContextSource {
	return &FileContextSource{path: strings.TrimSpace(path)}
}

func (f *FileContextSource) SetPath(path string) {
	f.mu.Lock()
	f.path = strings.TrimSpace(path)
	f.mu.Unlock()
}

func (f *FileContextSource) Path() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.path
}

func (f *FileContextSource) Load(ctx context.Context) (agent.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := f.Path()
	if path == "" {
		return emptyPayload(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("context file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if b, err = config.YAMLToJSON(b); err != nil {
			return nil, fmt.Errorf("context file %s: %w", path, err)
		}
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("context file %s: %w", path, err)
	}
	p := emptyPayload()
	maps.Copy(p, raw)
	return p, nil
}

// StaticContext always returns a copy of p.
type StaticContext agent.Payload

func (s StaticContext) Load(ctx context.Context) (agent.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := emptyPayload()
	maps.Copy(p, s)
	return p, nil
}

func emptyPayload() agent.Payload {
	return agent.Payload{
		agent.KeyInfrastructure: map[string]any{},
		agent.KeyMetrics:        map[string]any{},
		agent.KeyCost:           map[string]any{},
		agent.KeySecurity:       map[string]any{},
		agent.KeyPreferences:    map[string]any{},
	}
}
