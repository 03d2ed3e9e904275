// Package kstore holds the flow rule and objective stores the core treats as
// its authoritative state, together with in-memory implementations.
package kstore

import (
	"errors"
	"fmt"
	"iter"

	"github.com/birdayz/flowcore/kflow"
	"github.com/birdayz/flowcore/kobjective"
)

var ErrKeyNotFound = errors.New("kstore: key not found")

type BatchEventType int

const (
	BatchRequested BatchEventType = iota
	BatchCompleted
)

func (t BatchEventType) String() string {
	switch t {
	case BatchRequested:
		return "BATCH_OPERATION_REQUESTED"
	case BatchCompleted:
		return "BATCH_OPERATION_COMPLETED"
	default:
		return fmt.Sprintf("BatchEventType(%d)", int(t))
	}
}

// BatchEvent carries a batch to the device installer (Requested) or its
// result back to whoever submitted it (Completed).
type BatchEvent struct {
	Type      BatchEventType
	Operation kflow.FlowRuleBatchOperation
	Result    kflow.CompletedBatchOperation
}

// BatchDelegate receives batch events. It is called without store locks held.
type BatchDelegate func(ev BatchEvent)

// FlowRuleStore is the authoritative view of the rules each device should
// carry. Mutators return the event to publish, or nil when nothing changed.
type FlowRuleStore interface {
	SetDelegate(d BatchDelegate)

	// StoreBatch records the batch's intent and emits BatchRequested, or a
	// successful BatchCompleted right away when there is nothing to do.
	StoreBatch(op kflow.FlowRuleBatchOperation)
	// BatchOperationComplete records the device's answer and emits
	// BatchCompleted.
	BatchOperationComplete(op kflow.FlowRuleBatchOperation, result kflow.CompletedBatchOperation)

	FlowEntry(rule kflow.FlowRule) (kflow.FlowEntry, bool)
	FlowEntries(device kflow.DeviceID) []kflow.FlowEntry
	FlowEntriesByApp(app kflow.AppID) []kflow.FlowEntry
	FlowRuleCount() int

	// AddOrUpdateFlowEntry merges a device-confirmed entry into a stored one.
	AddOrUpdateFlowEntry(entry kflow.FlowEntry) *kflow.FlowRuleEvent
	// MarkPendingAdd flags a stored entry for re-installation.
	MarkPendingAdd(rule kflow.FlowRule) *kflow.FlowRuleEvent
	// MarkPendingRemove flags a stored entry for removal.
	MarkPendingRemove(rule kflow.FlowRule) *kflow.FlowRuleEvent
	RemoveFlowEntry(rule kflow.FlowRule) *kflow.FlowRuleEvent
	PurgeFlowRules(device kflow.DeviceID)
}

type ObjectiveEventType int

const (
	ObjectiveAdded ObjectiveEventType = iota
	ObjectiveRemoved
)

func (t ObjectiveEventType) String() string {
	switch t {
	case ObjectiveAdded:
		return "ADD"
	case ObjectiveRemoved:
		return "REMOVE"
	default:
		return fmt.Sprintf("ObjectiveEventType(%d)", int(t))
	}
}

type ObjectiveEvent struct {
	Type   ObjectiveEventType
	NextID int
}

// ObjectiveStore holds next groups. ObjectiveAdded is emitted once a group
// becomes visible to NextGroup, after the write was applied.
type ObjectiveStore interface {
	kobjective.GroupStore

	NextGroups() map[int]kobjective.NextGroup
	AllocateNextID() (int, error)
	// Subscribe registers fn for change notifications. fn is called without
	// store locks held.
	Subscribe(fn func(ObjectiveEvent)) (unsubscribe func())
	Close() error
}

// Backend is the byte-level key/value storage behind an ObjectiveStore.
type Backend interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// All iterates in key order.
	All() iter.Seq2[[]byte, []byte]
	Close() error
}
