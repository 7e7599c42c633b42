package supervisorybus

import (
	"sync"
	"time"

	"github.com/aetherterm/aetherterm-core/internal/directive"
)

// tracked is one currently-applied directive: which workspaces it was
// pushed into (so a later clear or fail-open timeout can target the same
// set) and the fail-open timer arming it, if any.
type tracked struct {
	directive    *directive.Directive
	workspaceIDs []string
	timer        *time.Timer
}

// registry is the Bus's view of every directive currently in force,
// distinct from anything TerminalHost or SessionFabric track themselves —
// it exists purely so a later unblock_request or fail-open timeout knows
// which workspaces to clear without asking the authority again.
type registry struct {
	mu    sync.Mutex
	items map[string]*tracked
}

func newRegistry() *registry {
	return &registry{items: make(map[string]*tracked)}
}

func (r *registry) put(d *directive.Directive, workspaceIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.items[d.ID]; ok && existing.timer != nil {
		existing.timer.Stop()
	}
	r.items[d.ID] = &tracked{directive: d, workspaceIDs: workspaceIDs}
}

func (r *registry) arm(directiveID string, timeout time.Duration, fire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.items[directiveID]
	if !ok {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(timeout, fire)
}

func (r *registry) workspacesFor(directiveID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.items[directiveID]
	if !ok {
		return nil
	}
	out := make([]string, len(t.workspaceIDs))
	copy(out, t.workspaceIDs)
	return out
}

func (r *registry) remove(directiveID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.items[directiveID]; ok {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(r.items, directiveID)
	}
}
