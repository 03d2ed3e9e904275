// Package kflow holds the device-level flow model: rules, stored entries,
// staged rule operations and the per-device batches they are split into.
package kflow

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DeviceID identifies a programmable network element.
type DeviceID string

// AppID identifies the application owning a rule.
type AppID string

// FlowID is the identity of a rule on its device. Two rules with the same
// FlowID are the same rule, even when their treatments differ.
type FlowID uint64

func (id FlowID) String() string {
	return "0x" + strconv.FormatUint(uint64(id), 16)
}

// Criterion is a single match field, e.g. {Type: "ETH_TYPE", Value: "0x0800"}.
type Criterion struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (c Criterion) String() string {
	return c.Type + ":" + c.Value
}

// Selector is a set of match criteria. Use NewSelector to get the canonical
// (sorted, deduplicated) form that identity and lane keys rely on.
type Selector []Criterion

func NewSelector(criteria ...Criterion) Selector {
	s := slices.Clone(criteria)
	slices.SortFunc(s, compareCriteria)
	return slices.Compact(s)
}

func compareCriteria(a, b Criterion) int {
	if c := strings.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	return strings.Compare(a.Value, b.Value)
}

// Key renders the selector in canonical form.
func (s Selector) Key() string {
	sorted := NewSelector(s...)
	parts := make([]string, len(sorted))
	for i, c := range sorted {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// Instruction is a single action, e.g. {Type: "OUTPUT", Value: "2"}.
type Instruction struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

func (i Instruction) String() string {
	if i.Value == "" {
		return i.Type
	}
	return i.Type + ":" + i.Value
}

// Common instructions.
var (
	Drop = Instruction{Type: "DROP"}
	Punt = Instruction{Type: "OUTPUT", Value: "CONTROLLER"}
)

// Output forwards to the given port.
func Output(port string) Instruction {
	return Instruction{Type: "OUTPUT", Value: port}
}

// Treatment is the ordered action list of a rule.
type Treatment []Instruction

func (t Treatment) Key() string {
	parts := make([]string, len(t))
	for i, in := range t {
		parts[i] = in.String()
	}
	return strings.Join(parts, ",")
}

type TimeoutKind int

const (
	TimeoutPermanent TimeoutKind = iota
	TimeoutIdle
	TimeoutHard
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutPermanent:
		return "permanent"
	case TimeoutIdle:
		return "idle"
	case TimeoutHard:
		return "hard"
	default:
		return "unknown"
	}
}

// Timeout is the lifetime policy of a rule.
type Timeout struct {
	Kind    TimeoutKind `json:"kind"`
	Seconds int         `json:"seconds,omitempty"`
}

func Permanent() Timeout { return Timeout{Kind: TimeoutPermanent} }

func Idle(seconds int) Timeout { return Timeout{Kind: TimeoutIdle, Seconds: seconds} }

func Hard(seconds int) Timeout { return Timeout{Kind: TimeoutHard, Seconds: seconds} }

func (t Timeout) IsPermanent() bool {
	return t.Kind == TimeoutPermanent
}

func (t Timeout) Duration() time.Duration {
	return time.Duration(t.Seconds) * time.Second
}

// FlowRule is a device-level forwarding rule. Rules are values: once built
// they are never mutated, and Selector/Treatment slices must not be modified
// after the rule has been handed to any component.
type FlowRule struct {
	DeviceID  DeviceID  `json:"device_id"`
	AppID     AppID     `json:"app_id"`
	TableID   int       `json:"table_id"`
	Priority  int       `json:"priority"`
	Selector  Selector  `json:"selector"`
	Treatment Treatment `json:"treatment"`
	Timeout   Timeout   `json:"timeout"`
}

// ID derives the rule identity from device, table, priority, selector and app.
func (r FlowRule) ID() FlowID {
	h := xxhash.New()
	for _, part := range []string{
		string(r.DeviceID),
		strconv.Itoa(r.TableID),
		strconv.Itoa(r.Priority),
		r.Selector.Key(),
		string(r.AppID),
	} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	return FlowID(h.Sum64())
}

// ExactMatch reports whether o is the same rule with the same content.
func (r FlowRule) ExactMatch(o FlowRule) bool {
	return r.ID() == o.ID() &&
		r.Treatment.Key() == o.Treatment.Key() &&
		r.Timeout == o.Timeout
}

func (r FlowRule) String() string {
	return fmt.Sprintf("%s[%s] table=%d prio=%d sel={%s} treat={%s} %s",
		r.DeviceID, r.ID(), r.TableID, r.Priority, r.Selector.Key(), r.Treatment.Key(), r.Timeout.Kind)
}
