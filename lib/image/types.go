package image

import "time"

// Image is the registry record for a virtual-machine image: identity,
// attributes, lifecycle status and the location of its binary payload.
type Image struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Size            int64             `json:"size"`
	Status          Status            `json:"status"`
	Checksum        string            `json:"checksum,omitempty"`
	IsPublic        bool              `json:"is_public"`
	Owner           string            `json:"owner,omitempty"`
	DiskFormat      string            `json:"disk_format,omitempty"`
	ContainerFormat string            `json:"container_format,omitempty"`
	Location        string            `json:"location,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	DeletedAt       *time.Time        `json:"deleted_at,omitempty"`
}

// Brief is the reduced listing shape returned by the non-detailed index.
type Brief struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Size            int64  `json:"size"`
	Status          Status `json:"status"`
	DiskFormat      string `json:"disk_format,omitempty"`
	ContainerFormat string `json:"container_format,omitempty"`
}

// ToBrief strips an Image down to its listing shape.
func (img *Image) ToBrief() Brief {
	return Brief{
		ID:              img.ID,
		Name:            img.Name,
		Size:            img.Size,
		Status:          img.Status,
		DiskFormat:      img.DiskFormat,
		ContainerFormat: img.ContainerFormat,
	}
}

// Clone returns a deep copy so callers can mutate the result freely.
func (img *Image) Clone() *Image {
	out := *img
	if img.Properties != nil {
		out.Properties = make(map[string]string, len(img.Properties))
		for k, v := range img.Properties {
			out.Properties[k] = v
		}
	}
	if img.DeletedAt != nil {
		t := *img.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

// Filters narrows a listing. Zero values mean "no constraint".
type Filters struct {
	Name            string
	Status          Status
	DiskFormat      string
	ContainerFormat string
	IsPublic        *bool
	// IncludeDeleted also returns records in deleted, pending_delete and
	// killed states, which the default listing hides.
	IncludeDeleted bool
	// Marker is the id of the last image seen by the caller; the listing
	// resumes strictly after it in (created_at, id) order.
	Marker string
	Limit  int
}
