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

package depcodec

import (
	"reflect"

	"github.com/tombee/waypoint/pkg/envelope"
)

// Dumper is implemented by dependency types that know how to serialize
// themselves to a plain map, analogous to a model's structured-dump method.
// Checked before falling back to reflection over exported fields.
type Dumper interface {
	Dump() (map[string]any, error)
}

// Named lets a dependency type override the type-name/module-path pair
// recorded on the wire. Types that don't implement it fall back to their
// Go reflect type name and package path.
type Named interface {
	TypeName() string
	ModulePath() string
}

// Codec serializes and deserializes SerializedDeps using a Registry
// allow-list for reconstruction.
type Codec struct {
	registry *Registry
}

// New builds a Codec backed by the given registry.
func New(registry *Registry) *Codec {
	return &Codec{registry: registry}
}

// Serialize converts v into its wire form, applying the rules in order:
// nil -> empty deps; a plain string -> {data: s, type: "string",
// module: "builtins"}; a Dumper -> its Dump() output with reflected or
// Named type/module; anything else -> its exported fields reflected into a
// map, with reflected type/module.
func (c *Codec) Serialize(v any) (*envelope.SerializedDeps, error) {
	if v == nil {
		return &envelope.SerializedDeps{}, nil
	}

	if s, ok := v.(string); ok {
		return &envelope.SerializedDeps{Data: s, Type: "string", Module: "builtins"}, nil
	}

	typeName, module := describe(v)

	if d, ok := v.(Dumper); ok {
		data, err := d.Dump()
		if err != nil {
			return nil, err
		}
		return &envelope.SerializedDeps{Data: data, Type: typeName, Module: module}, nil
	}

	data := reflectFields(v)
	return &envelope.SerializedDeps{Data: data, Type: typeName, Module: module}, nil
}

// Deserialize reconstructs a dependency value from its wire form. If data
// is nil, returns (nil, nil) — "no deps". If type is "string", returns the
// raw string. Otherwise it resolves module (substituting fallbackModule
// when the recorded module is "main") and looks up a Factory in the
// registry; a missing factory returns ErrUnknownType, which callers treat
// as a soft failure per the dependency-rehydration error policy.
func (c *Codec) Deserialize(deps *envelope.SerializedDeps, fallbackModule string) (any, error) {
	if deps.IsEmpty() {
		return nil, nil
	}

	if deps.Type == "string" {
		if s, ok := deps.Data.(string); ok {
			return s, nil
		}
		return deps.Data, nil
	}

	module := deps.Module
	if module == "main" && fallbackModule != "" {
		module = fallbackModule
	}

	factory, ok := c.registry.Lookup(module, deps.Type)
	if !ok {
		return nil, &ErrUnknownType{Module: module, TypeName: deps.Type}
	}

	return factory(deps.Data)
}

func describe(v any) (typeName, module string) {
	if n, ok := v.(Named); ok {
		return n.TypeName(), n.ModulePath()
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name(), t.PkgPath()
}

func reflectFields(v any) map[string]any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return map[string]any{}
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return map[string]any{"value": v}
	}

	out := make(map[string]any, rv.NumField())
	rt := rv.Type()
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		out[field.Name] = rv.Field(i).Interface()
	}
	return out
}
