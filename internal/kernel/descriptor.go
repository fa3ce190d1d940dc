package kernel

import "sort"

// Layer groups a descriptor by its place in the boot order, for
// presentation only.
type Layer string

const (
	LayerSystem  Layer = "system"
	LayerService Layer = "service"
)

// Descriptor is the introspection record surfaced via Kernel.Status() and
// kernelctl's `system-status` command (SPEC_FULL.md "Descriptor/
// introspection surface"): Status reports one descriptor for the kernel
// root and one per deployed service.
type Descriptor struct {
	Name         string
	Layer        Layer
	Capabilities []string
}

// DescriptorProvider is implemented by anything the kernel root can
// introspect.
type DescriptorProvider interface {
	Descriptor() Descriptor
}

// sortDescriptors orders descriptors by layer then name for deterministic
// presentation.
func sortDescriptors(in []Descriptor) []Descriptor {
	out := append([]Descriptor(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Layer != out[j].Layer {
			return out[i].Layer < out[j].Layer
		}
		return out[i].Name < out[j].Name
	})
	return out
}
