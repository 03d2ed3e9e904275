// Package singletable is a translator for devices with one flow table.
// Filtering and forwarding objectives become one rule each. Next groups are
// stored as the JSON list of their treatments and are folded into the
// forwarding rule that references them.
package singletable

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/birdayz/flowcore/kdevice"
	"github.com/birdayz/flowcore/kflow"
	"github.com/birdayz/flowcore/kobjective"
	"github.com/birdayz/flowcore/kserde"
	flowlog "github.com/birdayz/flowcore/pkg/log"
)

const TableID = 0

type group struct {
	Type       kobjective.NextType `json:"type"`
	Treatments []kflow.Treatment   `json:"treatments"`
}

var groupSerde = kserde.JSON[group]()

type Translator struct {
	log    *slog.Logger
	device kflow.DeviceID
	groups kobjective.GroupStore
	rules  kobjective.FlowRuleService
}

var _ kobjective.Translator = (*Translator)(nil)

func New(log *slog.Logger) *Translator {
	if log == nil {
		log = flowlog.Nop()
	}
	return &Translator{log: log}
}

func (t *Translator) Init(device kflow.DeviceID, tctx kobjective.TranslatorContext) error {
	if device == "" {
		return errors.New("empty device id")
	}
	t.device = device
	t.log = t.log.With("device", device)
	t.groups = tctx.Groups()
	t.rules = tctx.FlowRules()
	return nil
}

func (t *Translator) Filter(o *kobjective.Filtering) {
	if o.Key.Type == "" {
		kobjective.NotifyError(o, kobjective.ErrBadParams)
		return
	}

	var treatment kflow.Treatment
	switch o.Type {
	case kobjective.FilterPermit:
		treatment = append(slices.Clone(o.Meta), kflow.Punt)
	case kobjective.FilterDeny:
		treatment = kflow.Treatment{kflow.Drop}
	default:
		kobjective.NotifyError(o, kobjective.ErrUnsupported)
		return
	}

	criteria := append([]kflow.Criterion{o.Key}, o.Conditions...)
	t.install(o, t.rule(o.Common, kflow.NewSelector(criteria...), treatment))
}

func (t *Translator) Forward(o *kobjective.Forwarding) {
	if len(o.Selector) == 0 {
		kobjective.NotifyError(o, kobjective.ErrBadParams)
		return
	}

	treatment := o.Treatment
	if id, ok := o.Next(); ok {
		g, err := t.group(id)
		if err != nil {
			t.log.Warn("Cannot resolve next group", "next_id", id, "error", err)
			kobjective.NotifyError(o, kobjective.ErrGroupMissing)
			return
		}
		treatment = g.flatten()
	}
	if len(treatment) == 0 {
		kobjective.NotifyError(o, kobjective.ErrBadParams)
		return
	}

	t.install(o, t.rule(o.Common, o.Selector, treatment))
}

func (t *Translator) Next(o *kobjective.Next) {
	var err error
	switch o.Op {
	case kobjective.OpAdd, kobjective.OpModify:
		err = t.putGroup(o.ID, group{Type: o.Type, Treatments: o.Treatments})
	case kobjective.OpAddToExisting:
		err = t.updateGroup(o.ID, func(g group) group {
			g.Treatments = append(g.Treatments, o.Treatments...)
			return g
		})
	case kobjective.OpRemoveFromExisting:
		err = t.updateGroup(o.ID, func(g group) group {
			g.Treatments = slices.DeleteFunc(g.Treatments, func(tr kflow.Treatment) bool {
				return slices.ContainsFunc(o.Treatments, func(rm kflow.Treatment) bool {
					return rm.Key() == tr.Key()
				})
			})
			return g
		})
	case kobjective.OpRemove:
		_, _, err = t.groups.RemoveNextGroup(o.ID)
	case kobjective.OpVerify:
		_, err = t.group(o.ID)
	default:
		kobjective.NotifyError(o, kobjective.ErrUnsupported)
		return
	}

	if err != nil {
		t.log.Warn("Next group operation failed", "next_id", o.ID, "op", o.Op, "error", err)
		kobjective.NotifyError(o, kobjective.ErrGroupInstallationFailed)
		return
	}
	kobjective.NotifySuccess(o)
}

func (t *Translator) NextMappings(raw kobjective.NextGroup) []string {
	g, err := groupSerde.Deserializer(raw)
	if err != nil {
		return []string{fmt.Sprintf("undecodable group: %v", err)}
	}
	lines := make([]string, 0, len(g.Treatments))
	for i, tr := range g.Treatments {
		lines = append(lines, fmt.Sprintf("bucket %d: %s", i, tr.Key()))
	}
	return lines
}

func (t *Translator) PurgeAll(app kflow.AppID) {
	t.log.Info("Purging rules", "app", app)
	t.rules.PurgeFlowRules(t.device, app)
}

func (t *Translator) rule(c kobjective.Common, sel kflow.Selector, treatment kflow.Treatment) kflow.FlowRule {
	return kflow.FlowRule{
		DeviceID:  t.device,
		AppID:     c.AppID,
		TableID:   TableID,
		Priority:  c.Priority,
		Selector:  sel,
		Treatment: treatment,
		Timeout:   c.Timeout,
	}
}

// install applies the rule as the objective's operation demands and maps the
// batch outcome onto the objective.
func (t *Translator) install(o kobjective.Objective, rule kflow.FlowRule) {
	b := kflow.NewOperations()
	switch o.Base().Op {
	case kobjective.OpAdd, kobjective.OpAddToExisting:
		b.Add(rule)
	case kobjective.OpModify:
		b.Modify(rule)
	case kobjective.OpRemove, kobjective.OpRemoveFromExisting:
		b.Remove(rule)
	case kobjective.OpVerify:
		kobjective.NotifySuccess(o)
		return
	default:
		kobjective.NotifyError(o, kobjective.ErrUnsupported)
		return
	}

	t.rules.Apply(b.Build(kflow.OperationsContextFuncs{
		Success: func(kflow.FlowRuleOperations) {
			kobjective.NotifySuccess(o)
		},
		Error: func(failed kflow.FlowRuleOperations) {
			t.log.Warn("Flow installation failed", "objective", o, "failed", len(failed.Rules()))
			kobjective.NotifyError(o, kobjective.ErrFlowInstallationFailed)
		},
	}))
}

func (t *Translator) group(nextID int) (group, error) {
	raw, ok := t.groups.NextGroup(nextID)
	if !ok {
		return group{}, fmt.Errorf("next group %d not found", nextID)
	}
	g, err := groupSerde.Deserializer(raw)
	if err != nil {
		return group{}, fmt.Errorf("decode next group %d: %w", nextID, err)
	}
	return g, nil
}

func (t *Translator) putGroup(nextID int, g group) error {
	raw, err := groupSerde.Serializer(g)
	if err != nil {
		return fmt.Errorf("encode next group %d: %w", nextID, err)
	}
	return t.groups.PutNextGroup(nextID, raw)
}

func (t *Translator) updateGroup(nextID int, fn func(group) group) error {
	g, err := t.group(nextID)
	if err != nil {
		return err
	}
	return t.putGroup(nextID, fn(g))
}

// flatten folds the buckets of a group into one treatment. A single table
// has no group entries, so every bucket is emitted by the rule itself.
func (g group) flatten() kflow.Treatment {
	switch g.Type {
	case kobjective.NextSimple, kobjective.NextIndirect:
		if len(g.Treatments) == 0 {
			return nil
		}
		return slices.Clone(g.Treatments[0])
	default:
		var out kflow.Treatment
		for _, tr := range g.Treatments {
			out = append(out, tr...)
		}
		return out
	}
}

// Provider hands out a translator for every device with a flow-programmable
// driver.
type Provider struct {
	Log     *slog.Logger
	Drivers kdevice.Drivers
}

var _ kobjective.TranslatorProvider = Provider{}

func (p Provider) NewTranslator(device kflow.DeviceID) (kobjective.Translator, bool) {
	if _, ok := p.Drivers.Programmable(device); !ok {
		return nil, false
	}
	return New(p.Log), true
}
