package kflow

import "time"

// State is the lifecycle state of a stored flow entry.
type State int

const (
	StatePendingAdd State = iota
	StateAdded
	StatePendingRemove
	StateRemoved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePendingAdd:
		return "PENDING_ADD"
	case StateAdded:
		return "ADDED"
	case StatePendingRemove:
		return "PENDING_REMOVE"
	case StateRemoved:
		return "REMOVED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// FlowEntry is a rule together with its observed state. Entries reported by
// devices carry StateAdded and the device's counters.
type FlowEntry struct {
	Rule     FlowRule  `json:"rule"`
	State    State     `json:"state"`
	Bytes    uint64    `json:"bytes"`
	Packets  uint64    `json:"packets"`
	LastSeen time.Time `json:"last_seen"`
}

func NewFlowEntry(rule FlowRule) FlowEntry {
	return FlowEntry{Rule: rule, State: StatePendingAdd}
}

func (e FlowEntry) ID() FlowID {
	return e.Rule.ID()
}
