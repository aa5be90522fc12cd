// ABOUTME: Static hook registry and plugin lifecycle management
// ABOUTME: Chains run in ascending priority; ties keep registration order

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// registration is one hook bound to a point, tagged with its owner.
type registration struct {
	owner    string
	priority int
	seq      int
	fn       HookFunc
}

// Outcome is the result of running a full chain.
type Outcome struct {
	// Intercepted is true if some hook short-circuited the chain.
	Intercepted bool
	// By names the intercepting plugin, for logging.
	By string
	// Reply is the intercepting hook's canned response, possibly empty.
	Reply string
	// Text is the (possibly rewritten) text after the chain ran. Meaningful
	// only when not intercepted.
	Text string
}

// Registry holds the hook chains and the loaded plugins. Registration happens
// during plugin Init at startup; chains are immutable while flows run.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[HookPoint][]registration
	plugins []Plugin
	seq     int
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		hooks:  make(map[HookPoint][]registration),
		logger: logger.With("component", "plugins"),
	}
}

// Register binds fn to a hook point under the owning plugin's name and
// declared priority. Lower priority runs earlier.
func (r *Registry) Register(point HookPoint, owner string, priority int, fn HookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	chain := append(r.hooks[point], registration{owner: owner, priority: priority, seq: r.seq, fn: fn})
	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].priority != chain[j].priority {
			return chain[i].priority < chain[j].priority
		}
		return chain[i].seq < chain[j].seq
	})
	r.hooks[point] = chain

	r.logger.Debug("hook registered", "point", point, "owner", owner, "priority", priority)
}

// Run executes the chain at the given point. Rewrites accumulate through the
// chain; the first interception stops it.
func (r *Registry) Run(ctx context.Context, point HookPoint, text string) Outcome {
	r.mu.RLock()
	chain := r.hooks[point]
	r.mu.RUnlock()

	for _, reg := range chain {
		res := reg.fn(ctx, text)
		switch res.Action {
		case ActionRewrite:
			r.logger.Debug("hook rewrote text", "point", point, "owner", reg.owner)
			text = res.Text
		case ActionIntercept:
			r.logger.Info("hook intercepted", "point", point, "owner", reg.owner)
			return Outcome{Intercepted: true, By: reg.owner, Reply: res.Text}
		}
	}
	return Outcome{Text: text}
}

// Load initializes and starts the given plugins in order. A plugin that fails
// Init aborts loading; already-started plugins are stopped again.
func (r *Registry) Load(ctx context.Context, plugins ...Plugin) error {
	for _, p := range plugins {
		if err := p.Init(r); err != nil {
			r.StopAll()
			return fmt.Errorf("initializing plugin %s: %w", p.Name(), err)
		}
		if err := p.Start(ctx); err != nil {
			r.StopAll()
			return fmt.Errorf("starting plugin %s: %w", p.Name(), err)
		}
		r.mu.Lock()
		r.plugins = append(r.plugins, p)
		r.mu.Unlock()
		r.logger.Info("plugin loaded", "name", p.Name())
	}
	return nil
}

// StopAll stops loaded plugins in reverse load order. Stop errors are logged,
// not propagated.
func (r *Registry) StopAll() {
	r.mu.Lock()
	plugins := r.plugins
	r.plugins = nil
	r.mu.Unlock()

	for i := len(plugins) - 1; i >= 0; i-- {
		if err := plugins[i].Stop(); err != nil {
			r.logger.Error("plugin stop failed", "name", plugins[i].Name(), "error", err)
		}
	}
}
