package engine

import (
	"fmt"
	"strings"
)

// Resource is a declared unit of desired system state.
type Resource struct {
	// Type is the resource kind, e.g. "File" or "Service".
	Type string `json:"type" yaml:"type" validate:"required"`

	// Name identifies the resource within its type.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Actions are dispatched in order when the resource converges.
	Actions []string `json:"actions" yaml:"actions" validate:"required,min=1,dive,required"`

	// Provider names a registered provider for this type. Empty selects the
	// registry default.
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	// Factory, when set, takes precedence over registry resolution.
	Factory ProviderFactory `json:"-" yaml:"-"`

	// Attributes carry provider-specific settings (path, mode, content, ...).
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// NotIf skips the resource when it evaluates true.
	NotIf *Guard `json:"not_if,omitempty" yaml:"not_if,omitempty"`

	// OnlyIf skips the resource when it evaluates false.
	OnlyIf *Guard `json:"only_if,omitempty" yaml:"only_if,omitempty"`

	// Subscriptions are the notifications sent when an action updates the resource.
	Subscriptions Subscriptions `json:"subscriptions" yaml:"subscriptions"`

	// Updated is set by the provider when the last action changed system state.
	Updated bool `json:"updated" yaml:"updated"`
}

// ID returns the resource identity, "Type[name]".
func (r *Resource) ID() string {
	return ResourceID(r.Type, r.Name)
}

func (r *Resource) String() string {
	return r.ID()
}

// Attr returns an attribute or nil.
func (r *Resource) Attr(key string) any {
	if r.Attributes == nil {
		return nil
	}
	return r.Attributes[key]
}

// StringAttr returns a string attribute, or def when absent or not a string.
func (r *Resource) StringAttr(key, def string) string {
	if s, ok := r.Attr(key).(string); ok {
		return s
	}
	return def
}

// BoolAttr returns a bool attribute, or def when absent or not a bool.
func (r *Resource) BoolAttr(key string, def bool) bool {
	if b, ok := r.Attr(key).(bool); ok {
		return b
	}
	return def
}

// ResourceID formats a resource identity.
func ResourceID(typ, name string) string {
	return typ + "[" + name + "]"
}

// ParseResourceID splits "Type[name]" into its parts.
func ParseResourceID(id string) (string, string, error) {
	open := strings.Index(id, "[")
	if open <= 0 || !strings.HasSuffix(id, "]") || open == len(id)-2 {
		return "", "", fmt.Errorf("invalid resource identity %q (expected Type[name])", id)
	}
	return id[:open], id[open+1 : len(id)-1], nil
}

// Notification asks for Action to be dispatched on the resource identified by Resource.
type Notification struct {
	Action   string `json:"action" yaml:"action"`
	Resource string `json:"resource" yaml:"resource"`
}

func (n Notification) key() string {
	return n.Action + " " + n.Resource
}

func (n Notification) String() string {
	return n.Action + "@" + n.Resource
}

// Subscriptions hold the notifications a resource sends when updated.
type Subscriptions struct {
	// Immediate notifications run synchronously, in order, inside the dispatch
	// that updated the resource.
	Immediate []Notification `json:"immediate,omitempty" yaml:"immediate,omitempty"`

	// Delayed notifications are deduplicated and run after the main pass.
	Delayed []Notification `json:"delayed,omitempty" yaml:"delayed,omitempty"`
}

func (s *Subscriptions) add(n Notification, immediate bool) {
	list := &s.Delayed
	if immediate {
		list = &s.Immediate
	}
	for _, existing := range *list {
		if existing == n {
			return
		}
	}
	*list = append(*list, n)
}

// Phase is the convergence state of an environment.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSourcing   Phase = "sourcing"
	PhaseConverging Phase = "converging"
	PhaseDrained    Phase = "drained"
	PhaseFailed     Phase = "failed"
)

// notificationSet is an insertion-ordered set of pending delayed notifications.
type notificationSet struct {
	order []Notification
	seen  map[string]struct{}
}

func (s *notificationSet) add(n Notification) bool {
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[n.key()]; ok {
		return false
	}
	s.seen[n.key()] = struct{}{}
	s.order = append(s.order, n)
	return true
}

func (s *notificationSet) pop() (Notification, bool) {
	if len(s.order) == 0 {
		return Notification{}, false
	}
	n := s.order[0]
	s.order = s.order[1:]
	delete(s.seen, n.key())
	return n, true
}

func (s *notificationSet) len() int {
	return len(s.order)
}

func (s *notificationSet) items() []Notification {
	out := make([]Notification, len(s.order))
	copy(out, s.order)
	return out
}
