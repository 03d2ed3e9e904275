package kstore

import (
	"slices"
	"sync"

	"github.com/birdayz/flowcore/kflow"
	"github.com/google/btree"
)

type flowItem struct {
	id    kflow.FlowID
	entry kflow.FlowEntry
}

func lessFlowItem(a, b flowItem) bool {
	return a.id < b.id
}

// MemoryFlowRuleStore keeps one b-tree per device, ordered by FlowID, so
// snapshots come out in a stable order.
type MemoryFlowRuleStore struct {
	mu       sync.RWMutex
	tables   map[kflow.DeviceID]*btree.BTreeG[flowItem]
	delegate BatchDelegate
}

var _ FlowRuleStore = (*MemoryFlowRuleStore)(nil)

func NewMemoryFlowRuleStore() *MemoryFlowRuleStore {
	return &MemoryFlowRuleStore{
		tables: map[kflow.DeviceID]*btree.BTreeG[flowItem]{},
	}
}

func (s *MemoryFlowRuleStore) SetDelegate(d BatchDelegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegate = d
}

func (s *MemoryFlowRuleStore) notify(ev BatchEvent) {
	s.mu.RLock()
	d := s.delegate
	s.mu.RUnlock()
	if d != nil {
		d(ev)
	}
}

func (s *MemoryFlowRuleStore) table(device kflow.DeviceID) *btree.BTreeG[flowItem] {
	t, ok := s.tables[device]
	if !ok {
		t = btree.NewG(8, lessFlowItem)
		s.tables[device] = t
	}
	return t
}

func (s *MemoryFlowRuleStore) StoreBatch(op kflow.FlowRuleBatchOperation) {
	s.mu.Lock()
	t := s.table(op.DeviceID)
	current := make([]kflow.FlowRuleOperation, 0, len(op.Operations))
	for _, o := range op.Operations {
		id := o.Rule.ID()
		switch o.Type {
		case kflow.OpAdd, kflow.OpModify:
			t.ReplaceOrInsert(flowItem{id: id, entry: kflow.NewFlowEntry(o.Rule)})
			current = append(current, o)
		case kflow.OpRemove:
			it, ok := t.Get(flowItem{id: id})
			if !ok {
				// Nothing stored, nothing to remove.
				continue
			}
			it.entry.State = kflow.StatePendingRemove
			t.ReplaceOrInsert(it)
			current = append(current, o)
		}
	}
	s.mu.Unlock()

	if len(current) == 0 {
		s.notify(BatchEvent{
			Type:      BatchCompleted,
			Operation: op,
			Result:    kflow.Completed(op.DeviceID, nil),
		})
		return
	}

	s.notify(BatchEvent{
		Type: BatchRequested,
		Operation: kflow.FlowRuleBatchOperation{
			ID:         op.ID,
			DeviceID:   op.DeviceID,
			Operations: current,
		},
	})
}

func (s *MemoryFlowRuleStore) BatchOperationComplete(op kflow.FlowRuleBatchOperation, result kflow.CompletedBatchOperation) {
	s.mu.Lock()
	if t, ok := s.tables[op.DeviceID]; ok {
		for _, r := range result.FailedRules {
			it, ok := t.Get(flowItem{id: r.ID()})
			if ok && it.entry.State == kflow.StatePendingAdd {
				it.entry.State = kflow.StateFailed
				t.ReplaceOrInsert(it)
			}
		}
	}
	s.mu.Unlock()

	s.notify(BatchEvent{Type: BatchCompleted, Operation: op, Result: result})
}

func (s *MemoryFlowRuleStore) FlowEntry(rule kflow.FlowRule) (kflow.FlowEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[rule.DeviceID]
	if !ok {
		return kflow.FlowEntry{}, false
	}
	it, ok := t.Get(flowItem{id: rule.ID()})
	return it.entry, ok
}

func (s *MemoryFlowRuleStore) FlowEntries(device kflow.DeviceID) []kflow.FlowEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[device]
	if !ok {
		return nil
	}
	entries := make([]kflow.FlowEntry, 0, t.Len())
	t.Ascend(func(it flowItem) bool {
		entries = append(entries, it.entry)
		return true
	})
	return entries
}

func (s *MemoryFlowRuleStore) FlowEntriesByApp(app kflow.AppID) []kflow.FlowEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := make([]kflow.DeviceID, 0, len(s.tables))
	for d := range s.tables {
		devices = append(devices, d)
	}
	slices.Sort(devices)

	var entries []kflow.FlowEntry
	for _, d := range devices {
		s.tables[d].Ascend(func(it flowItem) bool {
			if it.entry.Rule.AppID == app {
				entries = append(entries, it.entry)
			}
			return true
		})
	}
	return entries
}

func (s *MemoryFlowRuleStore) FlowRuleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tables {
		n += t.Len()
	}
	return n
}

func (s *MemoryFlowRuleStore) AddOrUpdateFlowEntry(entry kflow.FlowEntry) *kflow.FlowRuleEvent {
	return s.update(entry.Rule, func(stored *kflow.FlowEntry) kflow.FlowRuleEventType {
		stored.Bytes = entry.Bytes
		stored.Packets = entry.Packets
		stored.LastSeen = entry.LastSeen
		switch stored.State {
		case kflow.StatePendingAdd, kflow.StateFailed:
			stored.State = kflow.StateAdded
			return kflow.RuleAdded
		default:
			return kflow.RuleUpdated
		}
	})
}

func (s *MemoryFlowRuleStore) MarkPendingAdd(rule kflow.FlowRule) *kflow.FlowRuleEvent {
	return s.update(rule, func(stored *kflow.FlowEntry) kflow.FlowRuleEventType {
		stored.State = kflow.StatePendingAdd
		return kflow.RuleAddRequested
	})
}

func (s *MemoryFlowRuleStore) MarkPendingRemove(rule kflow.FlowRule) *kflow.FlowRuleEvent {
	return s.update(rule, func(stored *kflow.FlowEntry) kflow.FlowRuleEventType {
		stored.State = kflow.StatePendingRemove
		return kflow.RuleRemoveRequested
	})
}

func (s *MemoryFlowRuleStore) update(rule kflow.FlowRule, fn func(stored *kflow.FlowEntry) kflow.FlowRuleEventType) *kflow.FlowRuleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[rule.DeviceID]
	if !ok {
		return nil
	}
	it, ok := t.Get(flowItem{id: rule.ID()})
	if !ok {
		return nil
	}
	typ := fn(&it.entry)
	t.ReplaceOrInsert(it)
	return &kflow.FlowRuleEvent{Type: typ, Entry: it.entry}
}

func (s *MemoryFlowRuleStore) RemoveFlowEntry(rule kflow.FlowRule) *kflow.FlowRuleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[rule.DeviceID]
	if !ok {
		return nil
	}
	it, ok := t.Delete(flowItem{id: rule.ID()})
	if !ok {
		return nil
	}
	if t.Len() == 0 {
		delete(s.tables, rule.DeviceID)
	}
	it.entry.State = kflow.StateRemoved
	return &kflow.FlowRuleEvent{Type: kflow.RuleRemoved, Entry: it.entry}
}

func (s *MemoryFlowRuleStore) PurgeFlowRules(device kflow.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, device)
}
