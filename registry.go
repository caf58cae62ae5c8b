package evertask

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// registration binds one request type to its handler, with the decode and
// invoke glue captured at registration time.
type registration struct {
	requestType reflect.Type
	requestName string
	handlerName string

	// handler is the registered instance, kept for the optional configurer
	// and lifecycle interfaces.
	handler any

	// invoke decodes the persisted payload and runs the handler.
	invoke func(ctx context.Context, payload string) error

	// marshal encodes a live request value for persistence.
	marshal func(request any) (string, error)
}

// HandlerRegistry maps request types to their handlers. Registrations
// normally happen before the service starts; the registry is nonetheless
// safe for concurrent use.
type HandlerRegistry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*registration
	byName map[string]*registration
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		byType: make(map[reflect.Type]*registration),
		byName: make(map[string]*registration),
	}
}

// Register binds the handler to request type T. Each request type takes
// exactly one handler.
func Register[T any](r *HandlerRegistry, handler Handler[T]) error {
	if handler == nil {
		return fmt.Errorf("%w: handler is nil", ErrInvalidArgument)
	}
	requestType := reflect.TypeOf((*T)(nil)).Elem()
	if requestType.Kind() == reflect.Interface {
		return fmt.Errorf("%w: request type must be concrete, got interface %s", ErrInvalidArgument, requestType)
	}

	reg := &registration{
		requestType: requestType,
		requestName: typeName(requestType),
		handlerName: typeName(reflect.TypeOf(handler)),
		handler:     handler,
		invoke: func(ctx context.Context, payload string) error {
			var request T
			if err := json.Unmarshal([]byte(payload), &request); err != nil {
				return fmt.Errorf("decode request: %w", err)
			}
			return handler.Handle(ctx, request)
		},
		marshal: func(request any) (string, error) {
			data, err := json.Marshal(request)
			if err != nil {
				return "", fmt.Errorf("encode request: %w", err)
			}
			return string(data), nil
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byType[requestType]; dup {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, reg.requestName)
	}
	r.byType[requestType] = reg
	r.byName[reg.requestName] = reg
	return nil
}

// lookup resolves the registration for a live request value.
func (r *HandlerRegistry) lookup(request any) (*registration, error) {
	if request == nil {
		return nil, fmt.Errorf("%w: request is nil", ErrInvalidArgument)
	}
	requestType := reflect.TypeOf(request)
	if requestType.Kind() == reflect.Pointer {
		requestType = requestType.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byType[requestType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, typeName(requestType))
	}
	return reg, nil
}

// lookupName resolves a registration from a persisted request type name,
// as stored on recovered tasks.
func (r *HandlerRegistry) lookupName(name string) (*registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, name)
	}
	return reg, nil
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}
