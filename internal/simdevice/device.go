// Package simdevice provides in-memory devices for demos and tests.
package simdevice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/birdayz/flowcore/kflow"
)

var ErrUnreachable = errors.New("simdevice: device unreachable")

// Device is a flow table that accepts every rule unless told otherwise.
type Device struct {
	id kflow.DeviceID

	mu        sync.Mutex
	table     map[kflow.FlowID]kflow.FlowEntry
	rejected  map[kflow.FlowID]struct{}
	reachable bool
	calls     int
}

var _ kflow.Programmable = (*Device)(nil)

func NewDevice(id kflow.DeviceID) *Device {
	return &Device{
		id:        id,
		table:     map[kflow.FlowID]kflow.FlowEntry{},
		rejected:  map[kflow.FlowID]struct{}{},
		reachable: true,
	}
}

func (d *Device) ID() kflow.DeviceID {
	return d.id
}

func (d *Device) ApplyFlowRules(ctx context.Context, rules []kflow.FlowRule) ([]kflow.FlowRule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return nil, err
	}

	applied := make([]kflow.FlowRule, 0, len(rules))
	for _, r := range rules {
		id := r.ID()
		if _, ok := d.rejected[id]; ok {
			continue
		}
		entry := d.table[id]
		entry.Rule = r
		entry.State = kflow.StateAdded
		d.table[id] = entry
		applied = append(applied, r)
	}
	return applied, nil
}

func (d *Device) RemoveFlowRules(ctx context.Context, rules []kflow.FlowRule) ([]kflow.FlowRule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return nil, err
	}

	removed := make([]kflow.FlowRule, 0, len(rules))
	for _, r := range rules {
		delete(d.table, r.ID())
		removed = append(removed, r)
	}
	return removed, nil
}

func (d *Device) FlowEntries(ctx context.Context) ([]kflow.FlowEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return nil, err
	}

	entries := make([]kflow.FlowEntry, 0, len(d.table))
	for _, e := range d.table {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b kflow.FlowEntry) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		default:
			return 0
		}
	})
	return entries, nil
}

func (d *Device) check(ctx context.Context) error {
	d.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.reachable {
		return fmt.Errorf("%s: %w", d.id, ErrUnreachable)
	}
	return nil
}

// Reject makes the device refuse rule from now on.
func (d *Device) Reject(rule kflow.FlowRule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected[rule.ID()] = struct{}{}
}

func (d *Device) SetReachable(reachable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reachable = reachable
}

// Traffic adds to the counters of an installed rule.
func (d *Device) Traffic(rule kflow.FlowRule, packets, bytes uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.table[rule.ID()]
	if !ok {
		return
	}
	e.Packets += packets
	e.Bytes += bytes
	d.table[rule.ID()] = e
}

// Install puts rule into the table behind the controller's back.
func (d *Device) Install(rule kflow.FlowRule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.table[rule.ID()] = kflow.FlowEntry{Rule: rule, State: kflow.StateAdded}
}

// Drop removes rule behind the controller's back.
func (d *Device) Drop(rule kflow.FlowRule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.table, rule.ID())
}

// Has reports whether the table holds exactly rule.
func (d *Device) Has(rule kflow.FlowRule) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.table[rule.ID()]
	return ok && e.Rule.ExactMatch(rule)
}

func (d *Device) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.table)
}

// Calls returns how many driver calls the device served.
func (d *Device) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
