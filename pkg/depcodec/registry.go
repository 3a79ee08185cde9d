// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package depcodec converts per-step input objects to and from the
// (data, type, module) tuple carried on the wire, so a worker in a foreign
// process can reconstruct a typed dependency object.
//
// Deserialization deliberately resolves types through a static, explicitly
// populated allow-list rather than reflective symbol lookup by name: a
// worker can only rehydrate a dependency type it registered itself ahead of
// time. This keeps cross-process type resolution from becoming an
// arbitrary-construction primitive.
package depcodec

import (
	"fmt"
	"sync"
)

// Factory constructs a dependency value from its decoded wire data.
type Factory func(data any) (any, error)

type registryKey struct {
	module   string
	typeName string
}

// Registry is a static allow-list of (module, type) -> Factory.
type Registry struct {
	mu      sync.RWMutex
	entries map[registryKey]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[registryKey]Factory)}
}

// Register adds a permitted dependency type. Registering the same
// (module, typeName) pair twice overwrites the earlier factory.
func (r *Registry) Register(module, typeName string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[registryKey{module: module, typeName: typeName}] = factory
}

// Lookup returns the factory registered for (module, typeName), if any.
func (r *Registry) Lookup(module, typeName string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.entries[registryKey{module: module, typeName: typeName}]
	return f, ok
}

// ErrUnknownType is returned by Deserialize when no factory is registered
// for the (module, typeName) recorded on the wire. Callers treat this as a
// soft failure: log it and proceed with nil deps.
type ErrUnknownType struct {
	Module   string
	TypeName string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("depcodec: no registered type for module=%q type=%q", e.Module, e.TypeName)
}
