package kflow

import "fmt"

// BatchID identifies one per-device batch. Ids are unique and increase
// monotonically for the lifetime of the process.
type BatchID uint64

// FlowRuleBatchOperation is the slice of one stage addressed to one device.
type FlowRuleBatchOperation struct {
	ID         BatchID
	DeviceID   DeviceID
	Operations []FlowRuleOperation
}

// CompletedBatchOperation is the device's answer to a FlowRuleBatchOperation.
type CompletedBatchOperation struct {
	DeviceID    DeviceID
	Success     bool
	FailedRules []FlowRule
	// FailedOperations carries the failed operations with their type. Results
	// built from rules alone leave it empty.
	FailedOperations []FlowRuleOperation
}

// Completed builds a result that is successful iff nothing failed.
func Completed(device DeviceID, failed []FlowRule) CompletedBatchOperation {
	return CompletedBatchOperation{
		DeviceID:    device,
		Success:     len(failed) == 0,
		FailedRules: failed,
	}
}

// CompletedOperations builds a result from the positions of the failed
// operations of op.
func CompletedOperations(op FlowRuleBatchOperation, failed []int) CompletedBatchOperation {
	rules := make([]FlowRule, 0, len(failed))
	ops := make([]FlowRuleOperation, 0, len(failed))
	for _, i := range failed {
		rules = append(rules, op.Operations[i].Rule)
		ops = append(ops, op.Operations[i])
	}
	return CompletedBatchOperation{
		DeviceID:         op.DeviceID,
		Success:          len(failed) == 0,
		FailedRules:      rules,
		FailedOperations: ops,
	}
}

// Failed marks every operation of op as failed.
func Failed(op FlowRuleBatchOperation) CompletedBatchOperation {
	all := make([]int, len(op.Operations))
	for i := range all {
		all[i] = i
	}
	res := CompletedOperations(op, all)
	res.Success = false
	return res
}

type FlowRuleEventType int

const (
	RuleAddRequested FlowRuleEventType = iota
	RuleRemoveRequested
	RuleAdded
	RuleUpdated
	RuleRemoved
)

func (t FlowRuleEventType) String() string {
	switch t {
	case RuleAddRequested:
		return "RULE_ADD_REQUESTED"
	case RuleRemoveRequested:
		return "RULE_REMOVE_REQUESTED"
	case RuleAdded:
		return "RULE_ADDED"
	case RuleUpdated:
		return "RULE_UPDATED"
	case RuleRemoved:
		return "RULE_REMOVED"
	default:
		return fmt.Sprintf("FlowRuleEventType(%d)", int(t))
	}
}

type FlowRuleEvent struct {
	Type  FlowRuleEventType
	Entry FlowEntry
}
