// Package kdevice is the device lifecycle view the flow core consumes:
// which devices exist, which this instance masters, and their drivers.
package kdevice

import (
	"fmt"

	"github.com/birdayz/flowcore/kflow"
)

//go:generate mockgen -destination=../internal/mocks/mock_programmable.go -package=mocks github.com/birdayz/flowcore/kflow Programmable

// Registry answers device inventory and mastership questions.
type Registry interface {
	Devices() []kflow.DeviceID
	IsAvailable(id kflow.DeviceID) bool
	IsLocalMaster(id kflow.DeviceID) bool
}

// Drivers resolves the flow-programming capability of a device.
type Drivers interface {
	Programmable(id kflow.DeviceID) (kflow.Programmable, bool)
}

type EventType int

const (
	DeviceAdded EventType = iota
	DeviceRemoved
	DeviceAvailabilityChanged
)

func (t EventType) String() string {
	switch t {
	case DeviceAdded:
		return "DEVICE_ADDED"
	case DeviceRemoved:
		return "DEVICE_REMOVED"
	case DeviceAvailabilityChanged:
		return "DEVICE_AVAILABILITY_CHANGED"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

type Event struct {
	Type      EventType
	DeviceID  kflow.DeviceID
	Available bool
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s available=%t", e.Type, e.DeviceID, e.Available)
}

// BecameAvailable reports whether the event signals a device that can be
// programmed now.
func (e Event) BecameAvailable() bool {
	switch e.Type {
	case DeviceAdded, DeviceAvailabilityChanged:
		return e.Available
	default:
		return false
	}
}
