package config

import (
	"context"
	"encoding/json"
	"fmt"

	"dynbot/internal/storage"
	"dynbot/internal/task/scheduler"
)

// Category names a polling stream.
type Category string

const (
	CategoryDynamic   Category = "dynamic"
	CategoryLive      Category = "live"
	CategoryLiveClose Category = "live_close"
	CategoryRetry     Category = "retry"
)

// Provider is the config/data collaborator used by the pipeline: poll
// intervals, subscriptions, the low-speed window and persistent bot state.
type Provider struct {
	cfg  *Manager
	data *DataStore
	kv   storage.Store
}

// NewProvider wires the pieces together. kv may be nil (state is then not
// persisted).
func NewProvider(cfg *Manager, data *DataStore, kv storage.Store) *Provider {
	return &Provider{cfg: cfg, data: data, kv: kv}
}

func (p *Provider) Config() *Config      { return p.cfg.Get() }
func (p *Provider) Data() *DataStore     { return p.data }
func (p *Provider) Manager() *Manager    { return p.cfg }
func (p *Provider) Store() storage.Store { return p.kv }

// Interval returns the configured base interval in seconds.
func (p *Provider) Interval(cat Category) int {
	c := p.cfg.Get()
	if c == nil {
		return 0
	}
	switch cat {
	case CategoryDynamic:
		return c.Check.DynamicInterval
	case CategoryLive:
		return c.Check.LiveInterval
	case CategoryLiveClose:
		return c.Check.LiveCloseInterval
	case CategoryRetry:
		return c.Sender.RetryInterval
	default:
		return 0
	}
}

// Subscriptions returns a snapshot safe to iterate across network calls.
func (p *Provider) Subscriptions() Data { return p.data.Snapshot() }

// LowSpeedWindow returns the current low-speed policy. An invalid section
// (only possible before validation) disables the policy.
func (p *Provider) LowSpeedWindow() scheduler.LowSpeedPolicy {
	c := p.cfg.Get()
	if c == nil {
		return scheduler.LowSpeedPolicy{}
	}
	pol, err := c.Check.LowSpeed.Policy()
	if err != nil {
		return scheduler.LowSpeedPolicy{}
	}
	return pol
}

func (p *Provider) Save() error { return p.data.Save() }

// Reload re-reads the data file and the config file.
func (p *Provider) Reload(ctx context.Context) error {
	if err := p.data.Reload(); err != nil {
		return err
	}
	_, err := p.cfg.Reload(ctx)
	return err
}

// LoadState decodes the JSON value stored under key into v.
func (p *Provider) LoadState(ctx context.Context, key string, v any) (bool, error) {
	if p.kv == nil {
		return false, nil
	}
	b, ok, err := p.kv.GetKV(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("state %s: %w", key, err)
	}
	return true, nil
}

// SaveState stores v as JSON under key.
func (p *Provider) SaveState(ctx context.Context, key string, v any) error {
	if p.kv == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.kv.PutKV(ctx, key, b)
}
