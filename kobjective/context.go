package kobjective

import "fmt"

// Error is the closed set of reasons an objective can fail with.
type Error int

const (
	ErrUnknown Error = iota
	ErrGroupInstallationFailed
	ErrGroupMissing
	ErrFlowInstallationFailed
	ErrNoPipeliner
	ErrInstallationTimeout
	ErrBadParams
	ErrUnsupported
	ErrDeviceMissing
)

func (e Error) Error() string {
	switch e {
	case ErrUnknown:
		return "UNKNOWN"
	case ErrGroupInstallationFailed:
		return "GROUPINSTALLATIONFAILED"
	case ErrGroupMissing:
		return "GROUPMISSING"
	case ErrFlowInstallationFailed:
		return "FLOWINSTALLATIONFAILED"
	case ErrNoPipeliner:
		return "NOPIPELINER"
	case ErrInstallationTimeout:
		return "INSTALLATIONTIMEOUT"
	case ErrBadParams:
		return "BADPARAMS"
	case ErrUnsupported:
		return "UNSUPPORTED"
	case ErrDeviceMissing:
		return "DEVICEMISSING"
	default:
		return fmt.Sprintf("Error(%d)", int(e))
	}
}

// Context receives the terminal outcome of an objective.
type Context interface {
	OnSuccess(o Objective)
	OnError(o Objective, err Error)
}

// ContextFuncs adapts plain functions to Context. Nil funcs are skipped.
type ContextFuncs struct {
	Success func(o Objective)
	Error   func(o Objective, err Error)
}

func (f ContextFuncs) OnSuccess(o Objective) {
	if f.Success != nil {
		f.Success(o)
	}
}

func (f ContextFuncs) OnError(o Objective, err Error) {
	if f.Error != nil {
		f.Error(o, err)
	}
}

// NotifySuccess reports success to the objective's context, if it has one.
func NotifySuccess(o Objective) {
	if c := o.Base().Context; c != nil {
		c.OnSuccess(o)
	}
}

// NotifyError reports err to the objective's context, if it has one.
func NotifyError(o Objective, err Error) {
	if c := o.Base().Context; c != nil {
		c.OnError(o, err)
	}
}
