// Package primitives implements the Redis atomic primitives from
// spec.md §4.A: reservation, request binding, the job FSM, and pool
// membership. Scripts are loaded and executed through a ScriptRegistry
// adapted directly from the teacher's script_registry.go: EVALSHA with
// automatic SHA caching and NOSCRIPT recovery.
package primitives

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ScriptDef defines a Lua script and its expected keys, exactly as the
// teacher's ScriptDef: Keys maps a logical key name to its 1-based KEYS
// index so callers can pass keys by name instead of by position.
type ScriptDef struct {
	Script string
	Keys   map[string]int
}

type registeredScript struct {
	sha string
	def ScriptDef
}

// ScriptRegistry manages Lua scripts for Redis execution using EVALSHA.
type ScriptRegistry struct {
	client  redis.UniversalClient
	scripts map[string]*registeredScript
}

func NewScriptRegistry(client redis.UniversalClient) *ScriptRegistry {
	return &ScriptRegistry{client: client, scripts: make(map[string]*registeredScript)}
}

func (r *ScriptRegistry) Load(ctx context.Context, scripts map[string]ScriptDef) error {
	for name, def := range scripts {
		sha, err := r.client.ScriptLoad(ctx, def.Script).Result()
		if err != nil {
			return fmt.Errorf("failed to load script %q: %w", name, err)
		}
		r.scripts[name] = &registeredScript{sha: sha, def: def}
	}
	return nil
}

func (r *ScriptRegistry) Run(ctx context.Context, name string, keys map[string]string, args ...interface{}) (interface{}, error) {
	script, ok := r.scripts[name]
	if !ok {
		return nil, fmt.Errorf("script %q is not registered", name)
	}

	numKeys := len(script.def.Keys)
	orderedKeys := make([]string, numKeys)
	for keyName, index := range script.def.Keys {
		val, ok := keys[keyName]
		if !ok {
			expected := make([]string, 0, len(script.def.Keys))
			for k := range script.def.Keys {
				expected = append(expected, k)
			}
			return nil, fmt.Errorf("missing required key %q for script %q. Expected keys: %s", keyName, name, strings.Join(expected, ", "))
		}
		if index < 1 || index > numKeys {
			return nil, fmt.Errorf("invalid key index %d for key %q in script %q", index, keyName, name)
		}
		orderedKeys[index-1] = val
	}
	for i, k := range orderedKeys {
		if k == "" {
			return nil, fmt.Errorf("missing key for index %d in script %q", i+1, name)
		}
	}

	res, err := r.client.EvalSha(ctx, script.sha, orderedKeys, args...).Result()
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOSCRIPT") {
			newSha, loadErr := r.client.ScriptLoad(ctx, script.def.Script).Result()
			if loadErr != nil {
				return nil, fmt.Errorf("failed to reload script %q after NOSCRIPT error: %w", name, loadErr)
			}
			script.sha = newSha
			return r.client.EvalSha(ctx, newSha, orderedKeys, args...).Result()
		}
		return nil, err
	}
	return res, nil
}

func (r *ScriptRegistry) Has(name string) bool { _, ok := r.scripts[name]; return ok }
