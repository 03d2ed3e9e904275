package simdevice

import (
	"fmt"
	"slices"
	"sync"

	"github.com/birdayz/flowcore/kdevice"
	"github.com/birdayz/flowcore/kflow"
)

// Network is a device registry over simulated devices. This instance is
// master of every device unless told otherwise.
type Network struct {
	mu          sync.RWMutex
	devices     map[kflow.DeviceID]*Device
	unavailable map[kflow.DeviceID]struct{}
	notMaster   map[kflow.DeviceID]struct{}
	listeners   []func(kdevice.Event)
}

var (
	_ kdevice.Registry = (*Network)(nil)
	_ kdevice.Drivers  = (*Network)(nil)
)

func NewNetwork() *Network {
	return &Network{
		devices:     map[kflow.DeviceID]*Device{},
		unavailable: map[kflow.DeviceID]struct{}{},
		notMaster:   map[kflow.DeviceID]struct{}{},
	}
}

// Generate adds n devices named of:0000000000000001 and so on.
func Generate(n int) *Network {
	net := NewNetwork()
	for i := 1; i <= n; i++ {
		net.Add(kflow.DeviceID(fmt.Sprintf("of:%016x", i)))
	}
	return net
}

// Subscribe registers fn for device events. Events are delivered
// synchronously, in order.
func (n *Network) Subscribe(fn func(kdevice.Event)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

func (n *Network) emit(ev kdevice.Event) {
	n.mu.RLock()
	listeners := slices.Clone(n.listeners)
	n.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (n *Network) Add(id kflow.DeviceID) *Device {
	n.mu.Lock()
	d, ok := n.devices[id]
	if !ok {
		d = NewDevice(id)
		n.devices[id] = d
	}
	delete(n.unavailable, id)
	n.mu.Unlock()

	if !ok {
		n.emit(kdevice.Event{Type: kdevice.DeviceAdded, DeviceID: id, Available: true})
	}
	return d
}

func (n *Network) Remove(id kflow.DeviceID) {
	n.mu.Lock()
	_, ok := n.devices[id]
	delete(n.devices, id)
	delete(n.unavailable, id)
	delete(n.notMaster, id)
	n.mu.Unlock()

	if ok {
		n.emit(kdevice.Event{Type: kdevice.DeviceRemoved, DeviceID: id})
	}
}

func (n *Network) SetAvailable(id kflow.DeviceID, available bool) {
	n.mu.Lock()
	if _, ok := n.devices[id]; !ok {
		n.mu.Unlock()
		return
	}
	if available {
		delete(n.unavailable, id)
	} else {
		n.unavailable[id] = struct{}{}
	}
	n.mu.Unlock()

	n.emit(kdevice.Event{Type: kdevice.DeviceAvailabilityChanged, DeviceID: id, Available: available})
}

func (n *Network) SetMaster(id kflow.DeviceID, master bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if master {
		delete(n.notMaster, id)
	} else {
		n.notMaster[id] = struct{}{}
	}
}

func (n *Network) Device(id kflow.DeviceID) (*Device, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	d, ok := n.devices[id]
	return d, ok
}

func (n *Network) Devices() []kflow.DeviceID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]kflow.DeviceID, 0, len(n.devices))
	for id := range n.devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (n *Network) IsAvailable(id kflow.DeviceID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, known := n.devices[id]
	_, down := n.unavailable[id]
	return known && !down
}

func (n *Network) IsLocalMaster(id kflow.DeviceID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, known := n.devices[id]
	_, other := n.notMaster[id]
	return known && !other
}

func (n *Network) Programmable(id kflow.DeviceID) (kflow.Programmable, bool) {
	d, ok := n.Device(id)
	if !ok {
		return nil, false
	}
	return d, true
}
