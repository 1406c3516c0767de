package system

import (
	"context"

	core "github.com/troop/coordinator/internal/app/core/service"
)

// Service represents a lifecycle-managed component. All application modules
// must implement this interface so the system manager can start and stop them
// deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises service metadata (layer, capabilities).
type DescriptorProvider interface {
	Descriptor() core.Descriptor
}

// StaticDescriptor adapts a plain core.Descriptor into a DescriptorProvider
// for callers that need to collect descriptors before the owning service
// value exists yet.
type StaticDescriptor core.Descriptor

func (s StaticDescriptor) Descriptor() core.Descriptor { return core.Descriptor(s) }
