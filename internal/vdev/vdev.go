// Package vdev defines the capability set the vhost-user control plane
// needs from any virtio device it hosts, replacing the struct-embedding
// polymorphism of the reference implementation with a plain Go interface —
// the control plane holds a Device by interface value and never switches
// on the concrete device kind.
package vdev

import "github.com/hexonxon/vhost-user-go/internal/virtqueue"

// Device is the capability set a virtio device exposes to the vhost-user
// control plane: feature negotiation and config-space access.
type Device interface {
	// SupportedFeatures returns the device-specific feature bits offered
	// to the driver, independent of the vhost-user protocol feature bits.
	SupportedFeatures() uint64

	// SetNegotiatedFeatures records the driver's SET_FEATURES selection.
	// Implementations reject bits not present in SupportedFeatures.
	SetNegotiatedFeatures(features uint64) error

	// ConfigSize is the size in bytes of this device's config space.
	ConfigSize() uint32

	// GetConfig writes up to ConfigSize bytes of config space into out.
	GetConfig(out []byte)
}

// EventHandler is the client-side callback invoked when a started vring
// receives a kick. An error resets the device, per the control plane's
// state machine.
type EventHandler interface {
	OnVringEvent(dev Device, vq *virtqueue.VirtQueue) error
}

// EventHandlerFunc adapts a plain function to EventHandler.
type EventHandlerFunc func(dev Device, vq *virtqueue.VirtQueue) error

func (f EventHandlerFunc) OnVringEvent(dev Device, vq *virtqueue.VirtQueue) error {
	return f(dev, vq)
}
