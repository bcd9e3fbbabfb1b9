package tools

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"energyagent/internal"
	"energyagent/ports"
)

// DefaultTimeout bounds a tool call when neither the tool nor the registry
// sets one.
const DefaultTimeout = 20 * time.Second

// Info describes a registered tool.
type Info struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Timeout     time.Duration `json:"timeout"`
}

// Registry maps names to tools and keeps the call history of one run.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]ports.Tool
	history        []ports.ToolCallRecord
	defaultTimeout time.Duration
	validate       *validator.Validate
	logger         *internal.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultTimeout sets the bound for tools that declare none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithLogger attaches the run logger.
func WithLogger(l *internal.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:          make(map[string]ports.Tool),
		defaultTimeout: DefaultTimeout,
		validate:       validator.New(),
		logger:         internal.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(tool ports.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	r.tools[name] = tool
	return nil
}

// MustRegister registers every tool and panics on a conflict.
func (r *Registry) MustRegister(tools ...ports.Tool) *Registry {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
	return r
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (ports.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tool, ok := r.tools[name]; ok {
		return tool, nil
	}
	return nil, fmt.Errorf("tool not found: %s", name)
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.tools))
	for _, tool := range r.tools {
		infos = append(infos, Info{Name: tool.Name(), Description: tool.Description(), Timeout: r.timeoutFor(tool)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// History returns a copy of the call history in invocation order.
func (r *Registry) History() []ports.ToolCallRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ports.ToolCallRecord, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Registry) record(rec ports.ToolCallRecord) {
	r.mu.Lock()
	r.history = append(r.history, rec)
	r.mu.Unlock()
}

func (r *Registry) timeoutFor(tool ports.Tool) time.Duration {
	if d := tool.Timeout(); d > 0 {
		return d
	}
	return r.defaultTimeout
}
