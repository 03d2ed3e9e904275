package kflow

import "context"

type OperationType int

const (
	OpAdd OperationType = iota
	OpModify
	OpRemove
)

func (t OperationType) String() string {
	switch t {
	case OpAdd:
		return "ADD"
	case OpModify:
		return "MODIFY"
	case OpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

type FlowRuleOperation struct {
	Type OperationType
	Rule FlowRule
}

// OperationsContext receives the single terminal outcome of a submission.
// OnError gets a single-stage FlowRuleOperations holding exactly the failed
// operations.
type OperationsContext interface {
	OnSuccess(ops FlowRuleOperations)
	OnError(failed FlowRuleOperations)
}

// OperationsContextFuncs adapts plain functions to OperationsContext. Nil
// funcs are skipped.
type OperationsContextFuncs struct {
	Success func(ops FlowRuleOperations)
	Error   func(failed FlowRuleOperations)
}

func (f OperationsContextFuncs) OnSuccess(ops FlowRuleOperations) {
	if f.Success != nil {
		f.Success(ops)
	}
}

func (f OperationsContextFuncs) OnError(failed FlowRuleOperations) {
	if f.Error != nil {
		f.Error(failed)
	}
}

// FlowRuleOperations is an ordered list of stages. Stage i+1 starts only after
// every device batch of stage i completed.
type FlowRuleOperations struct {
	Stages  [][]FlowRuleOperation
	Context OperationsContext
}

// Rules returns every rule of every stage, in order.
func (o FlowRuleOperations) Rules() []FlowRule {
	var rules []FlowRule
	for _, stage := range o.Stages {
		for _, op := range stage {
			rules = append(rules, op.Rule)
		}
	}
	return rules
}

// OperationsBuilder assembles FlowRuleOperations stage by stage.
//
//	ops := kflow.NewOperations().Remove(old).NewStage().Add(r1).Add(r2).Build(ctx)
type OperationsBuilder struct {
	stages  [][]FlowRuleOperation
	current []FlowRuleOperation
}

func NewOperations() *OperationsBuilder {
	return &OperationsBuilder{}
}

func (b *OperationsBuilder) Add(rule FlowRule) *OperationsBuilder {
	return b.op(OpAdd, rule)
}

func (b *OperationsBuilder) Modify(rule FlowRule) *OperationsBuilder {
	return b.op(OpModify, rule)
}

func (b *OperationsBuilder) Remove(rule FlowRule) *OperationsBuilder {
	return b.op(OpRemove, rule)
}

func (b *OperationsBuilder) op(t OperationType, rule FlowRule) *OperationsBuilder {
	b.current = append(b.current, FlowRuleOperation{Type: t, Rule: rule})
	return b
}

// NewStage closes the current stage. Empty stages are not recorded.
func (b *OperationsBuilder) NewStage() *OperationsBuilder {
	if len(b.current) > 0 {
		b.stages = append(b.stages, b.current)
		b.current = nil
	}
	return b
}

func (b *OperationsBuilder) Build(ctx OperationsContext) FlowRuleOperations {
	b.NewStage()
	return FlowRuleOperations{Stages: b.stages, Context: ctx}
}

// Programmable is the flow-programming capability of a device driver.
// ApplyFlowRules and RemoveFlowRules return the subset the device confirmed.
type Programmable interface {
	ApplyFlowRules(ctx context.Context, rules []FlowRule) ([]FlowRule, error)
	RemoveFlowRules(ctx context.Context, rules []FlowRule) ([]FlowRule, error)
	FlowEntries(ctx context.Context) ([]FlowEntry, error)
}
