package jobqueue

import (
	"fmt"
	"strings"
)

// Registry maps job types to handlers. It is populated at process start
// and read-only afterwards, so lookups need no synchronization.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]HandlerFunc{}}
}

// Register binds a handler to a job type. Duplicate registrations and
// empty types are configuration mistakes and fail loudly.
func (registry *Registry) Register(jobType string, handler HandlerFunc) error {
	trimmed := strings.TrimSpace(jobType)
	if trimmed == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidJobType)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrInvalidJobType, trimmed)
	}
	if _, exists := registry.handlers[trimmed]; exists {
		return fmt.Errorf("%w: %q", ErrHandlerRegistered, trimmed)
	}
	registry.handlers[trimmed] = handler
	return nil
}

// Lookup returns the handler for a job type.
func (registry *Registry) Lookup(jobType string) (HandlerFunc, bool) {
	handler, ok := registry.handlers[jobType]
	return handler, ok
}

// Types returns the registered job types.
func (registry *Registry) Types() []string {
	types := make([]string, 0, len(registry.handlers))
	for jobType := range registry.handlers {
		types = append(types, jobType)
	}
	return types
}
