package kobjective

import "github.com/birdayz/flowcore/kflow"

//go:generate mockgen -destination=../internal/mocks/mock_translator.go -package=mocks github.com/birdayz/flowcore/kobjective Translator

// NextGroup is the translator-specific payload stored for a next-id.
type NextGroup []byte

// GroupStore is the next-group view a translator gets of the objective store.
type GroupStore interface {
	PutNextGroup(nextID int, group NextGroup) error
	NextGroup(nextID int) (NextGroup, bool)
	RemoveNextGroup(nextID int) (NextGroup, bool, error)
}

// FlowRuleService is the rule-programming surface a translator installs
// through.
type FlowRuleService interface {
	Apply(ops kflow.FlowRuleOperations)
	PurgeFlowRules(device kflow.DeviceID, app kflow.AppID)
}

// TranslatorContext is handed to a translator on Init.
type TranslatorContext interface {
	Groups() GroupStore
	FlowRules() FlowRuleService
}

// Translator turns objectives into flow rules for one device. Every call
// must end in exactly one NotifySuccess or NotifyError on the objective.
// A Translator that also implements io.Closer is closed when its device is
// removed.
type Translator interface {
	Init(device kflow.DeviceID, tctx TranslatorContext) error
	Filter(o *Filtering)
	Forward(o *Forwarding)
	Next(o *Next)
	NextMappings(group NextGroup) []string
	PurgeAll(app kflow.AppID)
}

// TranslatorProvider returns a fresh, uninitialized translator for a device,
// or false while no driver with the pipeline capability is bound to it.
type TranslatorProvider interface {
	NewTranslator(device kflow.DeviceID) (Translator, bool)
}

// TranslatorProviderFunc adapts a function to TranslatorProvider.
type TranslatorProviderFunc func(device kflow.DeviceID) (Translator, bool)

func (f TranslatorProviderFunc) NewTranslator(device kflow.DeviceID) (Translator, bool) {
	return f(device)
}
