package registry

// CreateImageRequest carries the client-settable fields of a new image.
// Location and an inline payload are mutually exclusive: a location means
// the payload already lives in an external store.
type CreateImageRequest struct {
	ID              string            `json:"id,omitempty"`
	Name            string            `json:"name"`
	IsPublic        bool              `json:"is_public,omitempty"`
	DiskFormat      string            `json:"disk_format,omitempty"`
	ContainerFormat string            `json:"container_format,omitempty"`
	Location        string            `json:"location,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`

	// Caller is the authenticated identity, filled in by the transport
	// layer, never by clients.
	Caller string `json:"-"`
}

// UpdateImageRequest is a field-level merge: nil pointers leave the field
// alone. Properties are the exception — a non-nil map replaces the stored
// mapping wholesale, unspecified keys are removed.
type UpdateImageRequest struct {
	Name            *string           `json:"name,omitempty"`
	IsPublic        *bool             `json:"is_public,omitempty"`
	DiskFormat      *string           `json:"disk_format,omitempty"`
	ContainerFormat *string           `json:"container_format,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`

	Caller string `json:"-"`
}
