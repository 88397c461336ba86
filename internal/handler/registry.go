// Package handler is the boundary between Casket's worker runtime and
// a compiled-in application (spec.md §1's "application environment
// marshalling" is explicitly out of scope; Go has no runtime code
// loading, so a real deployment registers its handler here at compile
// time instead of passing a dynamically loaded module path).
package handler

import (
	"fmt"
	"sync"

	"github.com/casket-project/casket/internal/handlerpool"
)

var (
	mu       sync.RWMutex
	registry = map[string]handlerpool.Application{
		"casket:echo": EchoApplication{},
	}
)

// Register adds an application under name, the `<package>:<Symbol>`
// form the casket CLI argument uses. Call from an init() in the
// package that builds the real application.
func Register(name string, app handlerpool.Application) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = app
}

// Lookup resolves name to a registered Application.
func Lookup(name string) (handlerpool.Application, error) {
	mu.RLock()
	defer mu.RUnlock()
	app, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("handler: no application registered under %q", name)
	}
	return app, nil
}
