// Package kobjective defines device-independent forwarding intents and the
// translator contract that turns them into flow rules.
package kobjective

import (
	"fmt"

	"github.com/birdayz/flowcore/kflow"
)

type Kind int

const (
	KindFiltering Kind = iota
	KindForwarding
	KindNext
)

func (k Kind) String() string {
	switch k {
	case KindFiltering:
		return "FILTERING"
	case KindForwarding:
		return "FORWARDING"
	case KindNext:
		return "NEXT"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

type Operation int

const (
	OpAdd Operation = iota
	OpAddToExisting
	OpRemove
	OpRemoveFromExisting
	OpModify
	OpVerify
)

func (o Operation) String() string {
	switch o {
	case OpAdd:
		return "ADD"
	case OpAddToExisting:
		return "ADD_TO_EXISTING"
	case OpRemove:
		return "REMOVE"
	case OpRemoveFromExisting:
		return "REMOVE_FROM_EXISTING"
	case OpModify:
		return "MODIFY"
	case OpVerify:
		return "VERIFY"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

// Objective is one of *Filtering, *Forwarding or *Next.
type Objective interface {
	Kind() Kind
	Base() Common
	// WithContext returns a copy of the objective carrying ctx.
	WithContext(ctx Context) Objective
	String() string

	objective()
}

// Common holds the fields shared by all objective kinds. For Next objectives
// ID is the next-id.
type Common struct {
	ID       int
	AppID    kflow.AppID
	Priority int
	Op       Operation
	Timeout  kflow.Timeout
	Context  Context
}

func (c Common) Base() Common { return c }

func (Common) objective() {}

type FilterType int

const (
	FilterPermit FilterType = iota
	FilterDeny
)

// Filtering admits or denies traffic at the pipeline ingress.
type Filtering struct {
	Common
	Type       FilterType
	Key        kflow.Criterion
	Conditions []kflow.Criterion
	// Meta is applied in addition to the permit/deny action.
	Meta kflow.Treatment
}

func (f *Filtering) Kind() Kind { return KindFiltering }

func (f *Filtering) WithContext(ctx Context) Objective {
	c := *f
	c.Context = ctx
	return &c
}

func (f *Filtering) String() string {
	return fmt.Sprintf("Filtering{id=%d op=%s prio=%d key=%s}", f.ID, f.Op, f.Priority, f.Key)
}

type ForwardingFlag int

const (
	FlagSpecific ForwardingFlag = iota
	FlagVersatile
)

// Forwarding matches Selector and either applies Treatment directly or
// hands the packet to the next group NextID.
type Forwarding struct {
	Common
	Flag      ForwardingFlag
	Selector  kflow.Selector
	Treatment kflow.Treatment
	NextID    *int
}

func (f *Forwarding) Kind() Kind { return KindForwarding }

func (f *Forwarding) WithContext(ctx Context) Objective {
	c := *f
	c.Context = ctx
	return &c
}

// Next returns the referenced next-id, if any.
func (f *Forwarding) Next() (int, bool) {
	if f.NextID == nil {
		return 0, false
	}
	return *f.NextID, true
}

func (f *Forwarding) String() string {
	next := "none"
	if id, ok := f.Next(); ok {
		next = fmt.Sprint(id)
	}
	return fmt.Sprintf("Forwarding{id=%d op=%s prio=%d sel={%s} next=%s}", f.ID, f.Op, f.Priority, f.Selector.Key(), next)
}

type NextType int

const (
	NextSimple NextType = iota
	NextHashed
	NextBroadcast
	NextIndirect
)

// Next describes a next hop group, addressed by Common.ID.
type Next struct {
	Common
	Type       NextType
	Treatments []kflow.Treatment
	Meta       kflow.Selector
}

func (n *Next) Kind() Kind { return KindNext }

func (n *Next) WithContext(ctx Context) Objective {
	c := *n
	c.Context = ctx
	return &c
}

func (n *Next) String() string {
	return fmt.Sprintf("Next{id=%d op=%s treatments=%d}", n.ID, n.Op, len(n.Treatments))
}

// IntPtr is a helper for Forwarding.NextID literals.
func IntPtr(i int) *int { return &i }

var (
	_ Objective = (*Filtering)(nil)
	_ Objective = (*Forwarding)(nil)
	_ Objective = (*Next)(nil)
)
