package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/bmatcuk/doublestar/v4"

	"cruncher/internal/adapter"
	"cruncher/internal/config"
)

// instance is a configured, instantiated connector.
type instance struct {
	name      string
	pluginRef string
	params    map[string]string
	provider  adapter.QueryProvider
}

func (i *instance) sameAs(cc config.ConnectorConfig) bool {
	return i.pluginRef == cc.Type && maps.Equal(i.params, cc.Params)
}

// InstanceInfo describes a configured instance.
type InstanceInfo struct {
	Name   string            `msgpack:"name" json:"name"`
	Plugin string            `msgpack:"plugin" json:"plugin"`
	Params map[string]string `msgpack:"params,omitempty" json:"params,omitempty"`
}

// ApplyConfig replaces the instance set and profiles with those in cfg.
// Connectors whose type and params are unchanged keep their provider.
// Either every changed connector is instantiated or nothing changes.
// Server settings that can change at runtime (taskTTL, sweepCron) are
// applied too. cfg is expected to be normalized and validated.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) error {
	if cfg == nil {
		return nil
	}

	o.mu.RLock()
	current := maps.Clone(o.instances)
	o.mu.RUnlock()

	next := make(map[string]*instance, len(cfg.Connectors))
	var errs []error
	for _, cc := range cfg.Connectors {
		if old, ok := current[cc.Name]; ok && old.sameAs(cc) {
			next[cc.Name] = old
			continue
		}
		qp, err := o.registry.New(cc.Type, cc.Params, o.logger.With("instance", cc.Name))
		if err != nil {
			errs = append(errs, fmt.Errorf("connector %q: %w", cc.Name, err))
			continue
		}
		next[cc.Name] = &instance{
			name:      cc.Name,
			pluginRef: cc.Type,
			params:    maps.Clone(cc.Params),
			provider:  qp,
		}
	}
	if err := errors.Join(errs...); err != nil {
		for name, inst := range next {
			if current[name] != inst {
				closeProvider(inst)
			}
		}
		return err
	}

	profiles := make(map[string][]string, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		profiles[name] = slices.Clone(p.Connectors)
	}

	server := cfg.Server.WithDefaults()
	o.mu.Lock()
	o.instances = next
	o.profiles = profiles
	o.taskTTL = server.TaskTTL
	cronChanged := o.sweepCron != server.SweepCron
	o.sweepCron = server.SweepCron
	o.mu.Unlock()

	for name, old := range current {
		if next[name] != old {
			closeProvider(old)
		}
	}
	if cronChanged {
		if err := o.sweeper.reschedule(server.SweepCron); err != nil {
			return err
		}
	}
	o.logger.Info("configuration applied", "instances", len(next), "profiles", len(profiles))
	return nil
}

// closeProvider releases providers that hold resources.
func closeProvider(inst *instance) {
	if c, ok := inst.provider.(io.Closer); ok {
		_ = c.Close()
	}
}

// Plugins returns the registered source plugins.
func (o *Orchestrator) Plugins() []adapter.Plugin {
	return o.registry.Plugins()
}

// Instances returns the configured instances ordered by name.
func (o *Orchestrator) Instances() []InstanceInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]InstanceInfo, 0, len(o.instances))
	for _, name := range slices.Sorted(maps.Keys(o.instances)) {
		inst := o.instances[name]
		out = append(out, InstanceInfo{Name: name, Plugin: inst.pluginRef, Params: maps.Clone(inst.params)})
	}
	return out
}

// Profiles returns every profile with its instance names.
func (o *Orchestrator) Profiles() map[string][]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string][]string, len(o.profiles))
	for name, members := range o.profiles {
		out[name] = slices.Clone(members)
	}
	return out
}

// GetControllerParams returns the index params instance understands with
// their known values. Concurrent calls for one instance share a single
// adapter call.
func (o *Orchestrator) GetControllerParams(ctx context.Context, name string) (map[string][]string, error) {
	o.mu.RLock()
	inst, ok := o.instances[name]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, name)
	}
	return o.params.Do(ctx, name, func() (map[string][]string, error) {
		return inst.provider.ControllerParams(o.ctx)
	})
}

// resolve picks the instances a query runs against. Source refs take
// precedence: each names a profile or is a glob over instance names. Without
// refs the target's instance, else its profile, else the default profile is
// used. The result is deduplicated and keeps first-seen order.
func (o *Orchestrator) resolve(target Target, refs []string) ([]*instance, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []*instance
	seen := make(map[string]bool)
	add := func(name string) error {
		inst, ok := o.instances[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownInstance, name)
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, inst)
		}
		return nil
	}

	if len(refs) > 0 {
		names := slices.Sorted(maps.Keys(o.instances))
		for _, ref := range refs {
			if members, ok := o.profiles[ref]; ok {
				for _, m := range members {
					if err := add(m); err != nil {
						return nil, err
					}
				}
				continue
			}
			matched := false
			for _, name := range names {
				if ok, _ := doublestar.Match(ref, name); ok {
					matched = true
					_ = add(name)
				}
			}
			if !matched {
				return nil, fmt.Errorf("%w: @%s", ErrUnknownInstance, ref)
			}
		}
		return out, nil
	}

	if target.Instance != "" {
		if err := add(target.Instance); err != nil {
			return nil, err
		}
		return out, nil
	}

	profile := cmp.Or(target.Profile, config.DefaultProfile)
	members, ok := o.profiles[profile]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, profile)
	}
	for _, m := range members {
		if err := add(m); err != nil {
			return nil, err
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: profile %s is empty", ErrNoInstances, profile)
	}
	return out, nil
}
