package image

import "fmt"

// Allowed payload formats. Writes carrying anything else are rejected.
var (
	diskFormats = map[string]bool{
		"ami": true, "ari": true, "aki": true,
		"vhd": true, "vmdk": true, "raw": true,
		"qcow2": true, "vdi": true, "iso": true,
	}
	containerFormats = map[string]bool{
		"ami": true, "ari": true, "aki": true,
		"bare": true, "ovf": true,
	}
)

// reservedProperties are base field names that user-defined properties may
// not shadow.
var reservedProperties = map[string]bool{
	"id": true, "name": true, "size": true, "status": true,
	"checksum": true, "is_public": true, "owner": true,
	"disk_format": true, "container_format": true, "location": true,
	"properties": true, "created_at": true, "updated_at": true,
	"deleted_at": true,
}

// ValidateID checks the shape of a client-supplied image id. Ids become
// file names and object keys, so only a flat token is allowed: letters,
// digits, '-', '_' and '.', and never a pure-dot name.
func ValidateID(id string) error {
	if id == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if id == "." || id == ".." {
		return &ValidationError{Field: "id", Reason: "must not be a dot name"}
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
		default:
			return &ValidationError{Field: "id", Reason: fmt.Sprintf("character %q not allowed", r)}
		}
	}
	return nil
}

// Validate checks the client-settable fields of an image record. It does not
// look at system-managed fields; those are enforced by the metadata store.
func Validate(img *Image) error {
	if img.ID != "" {
		if err := ValidateID(img.ID); err != nil {
			return err
		}
	}
	if img.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if img.DiskFormat != "" && !diskFormats[img.DiskFormat] {
		return &ValidationError{Field: "disk_format", Reason: fmt.Sprintf("%q is not an allowed disk format", img.DiskFormat)}
	}
	if img.ContainerFormat != "" && !containerFormats[img.ContainerFormat] {
		return &ValidationError{Field: "container_format", Reason: fmt.Sprintf("%q is not an allowed container format", img.ContainerFormat)}
	}
	for key := range img.Properties {
		if key == "" {
			return &ValidationError{Field: "properties", Reason: "property keys must not be empty"}
		}
		if reservedProperties[key] {
			return &ValidationError{Field: "properties", Reason: fmt.Sprintf("%q is a reserved field name", key)}
		}
	}
	return nil
}
