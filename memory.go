package streamplan

import (
	"fmt"

	"github.com/pkg/errors"
)

// A DeviceType identifies the kind of device backing a memory location.
type DeviceType int

// DeviceType constants
const (
	DeviceCPU DeviceType = iota
	DeviceGPU
)

func (d DeviceType) String() string {
	switch d {
	case DeviceCPU:
		return "CPU"
	case DeviceGPU:
		return "GPU"
	default:
		return "unknown"
	}
}

// A MemType distinguishes the memory pools of one provider.
type MemType int

// MemType constants
const (
	MemTypeDefault MemType = iota
	MemTypeCPUInput
	MemTypeCPUOutput
)

func (m MemType) String() string {
	switch m {
	case MemTypeDefault:
		return "Default"
	case MemTypeCPUInput:
		return "CPUInput"
	case MemTypeCPUOutput:
		return "CPUOutput"
	default:
		return "unknown"
	}
}

// A MemoryInfo identifies a device memory location. It is comparable and
// used as a map key by the planner.
type MemoryInfo struct {
	Name     string
	Device   DeviceType
	DeviceID int
	MemType  MemType
}

func (m MemoryInfo) String() string {
	return fmt.Sprintf("%s(%s:%d:%s)", m.Name, m.Device, m.DeviceID, m.MemType)
}

// CPUProviderType is the provider type name of the host CPU execution
// provider.
const CPUProviderType = "CPUExecutionProvider"

// An ExecutionProvider is a backend device/runtime that implements kernels
// and owns allocators.
type ExecutionProvider interface {
	// Type returns the provider type name, e.g. "CPUExecutionProvider".
	Type() string

	// MemoryInfo returns the location of the provider's allocator for the
	// given memory type.
	MemoryInfo(mt MemType) MemoryInfo
}

// A Provider is a plain ExecutionProvider bound to one device.
type Provider struct {
	providerType string
	device       DeviceType
	deviceID     int
}

// NewProvider creates a provider of the given type name on a device.
func NewProvider(providerType string, device DeviceType, deviceID int) *Provider {
	return &Provider{
		providerType: providerType,
		device:       device,
		deviceID:     deviceID,
	}
}

// Type returns the provider type name.
func (p *Provider) Type() string {
	return p.providerType
}

// MemoryInfo returns the provider's allocator location for a memory type.
// Non-default memory types are host-visible staging pools and live on the
// CPU device.
func (p *Provider) MemoryInfo(mt MemType) MemoryInfo {
	if mt != MemTypeDefault && p.device != DeviceCPU {
		return MemoryInfo{
			Name:    p.providerType + "Pinned",
			Device:  DeviceCPU,
			MemType: mt,
		}
	}
	return MemoryInfo{
		Name:     p.providerType,
		Device:   p.device,
		DeviceID: p.deviceID,
		MemType:  mt,
	}
}

// ExecutionProviders is the registry of providers participating in one
// session.
type ExecutionProviders struct {
	providers []ExecutionProvider
	byType    map[string]ExecutionProvider
}

// NewExecutionProviders creates an empty registry.
func NewExecutionProviders() *ExecutionProviders {
	return &ExecutionProviders{byType: make(map[string]ExecutionProvider)}
}

// Register adds a provider. Registering the same type twice is an error.
func (e *ExecutionProviders) Register(p ExecutionProvider) error {
	if _, ok := e.byType[p.Type()]; ok {
		return errors.Errorf("provider %q is already registered", p.Type())
	}
	e.providers = append(e.providers, p)
	e.byType[p.Type()] = p
	return nil
}

// Get returns the provider with the given type name, or nil.
func (e *ExecutionProviders) Get(providerType string) ExecutionProvider {
	return e.byType[providerType]
}

// GetForNode returns the provider the node is assigned to, or nil.
func (e *ExecutionProviders) GetForNode(n *Node) ExecutionProvider {
	return e.byType[n.Provider]
}

// DefaultCPUMemoryInfo returns the host CPU allocator location.
func (e *ExecutionProviders) DefaultCPUMemoryInfo() MemoryInfo {
	if cpu, ok := e.byType[CPUProviderType]; ok {
		return cpu.MemoryInfo(MemTypeDefault)
	}
	return MemoryInfo{Name: CPUProviderType, Device: DeviceCPU}
}

// A WaitNotificationFn performs the device-side wait of a consumer stream on
// a notification.
type WaitNotificationFn func(streamIndex int, notificationIndex int)

// A StreamHandleRegistry resolves the wait function to run when a consumer
// provider waits on a notification owned by a producer provider. A nil
// return means no device-side wait is needed for the pair.
type StreamHandleRegistry interface {
	GetWaitHandle(producerType, consumerType string) WaitNotificationFn
}

// A WaitHandleRegistry is a map-backed StreamHandleRegistry.
type WaitHandleRegistry struct {
	handles map[[2]string]WaitNotificationFn
}

// NewWaitHandleRegistry creates an empty registry.
func NewWaitHandleRegistry() *WaitHandleRegistry {
	return &WaitHandleRegistry{handles: make(map[[2]string]WaitNotificationFn)}
}

// Register installs the wait function for a (producer, consumer) provider
// pair.
func (r *WaitHandleRegistry) Register(producerType, consumerType string, fn WaitNotificationFn) {
	r.handles[[2]string{producerType, consumerType}] = fn
}

// GetWaitHandle returns the wait function for the pair, or nil.
func (r *WaitHandleRegistry) GetWaitHandle(producerType, consumerType string) WaitNotificationFn {
	return r.handles[[2]string{producerType, consumerType}]
}
