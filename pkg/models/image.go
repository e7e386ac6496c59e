package models

import "github.com/peregrinehq/peregrine/pkg/types"

// Image is a registered container image. MinSlots/MaxSlots bound the
// per-kernel requested slots at enqueue time.
type Image struct {
	Canonical    string
	Architecture string
	Registry     string
	Digest       string
	Labels       map[string]string
	MinSlots     types.ResourceSlot
	MaxSlots     types.ResourceSlot
}

// Image label keys the core inspects.
const (
	ImageLabelOwner        = "ai.backend.customized-image.owner"
	ImageLabelServicePorts = "ai.backend.service-ports"
	ImageLabelRole         = "ai.backend.role"
)

// Owner returns the customized-image owner label, empty for shared images.
func (i *Image) Owner() string {
	return i.Labels[ImageLabelOwner]
}
