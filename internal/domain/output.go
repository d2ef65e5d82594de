package domain

import (
	"strings"
	"time"
)

// OutputType names what a pipeline run produces. Runs may request "both";
// individual build outputs are always a single concrete type.
type OutputType string

const (
	OutputTypeZip   OutputType = "zip"
	OutputTypeImage OutputType = "container_image"
	OutputTypeBoth  OutputType = "both"
)

// ValidForRun reports whether the value is acceptable as a run's requested
// output type.
func (t OutputType) ValidForRun() bool {
	return t == OutputTypeZip || t == OutputTypeImage || t == OutputTypeBoth
}

// ValidForOutput reports whether the value is acceptable on a recorded
// build output row.
func (t OutputType) ValidForOutput() bool {
	return t == OutputTypeZip || t == OutputTypeImage
}

// Includes reports whether a run requesting t should produce an output of
// the concrete type want.
func (t OutputType) Includes(want OutputType) bool {
	if t == OutputTypeBoth {
		return want == OutputTypeZip || want == OutputTypeImage
	}
	return t == want
}

// NormalizeOutputType maps free-form values to canonical output types.
func NormalizeOutputType(value string) OutputType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(OutputTypeZip):
		return OutputTypeZip
	case string(OutputTypeImage):
		return OutputTypeImage
	case string(OutputTypeBoth):
		return OutputTypeBoth
	default:
		return ""
	}
}

// BuildOutput is one artifact produced by a pipeline run: a zip archive in
// the object store or a container image in the local daemon or a registry.
type BuildOutput struct {
	ID             string
	RunID          string
	Type           OutputType
	FilePath       string // object store key; zip outputs only
	FileSizeBytes  int64
	ChecksumSHA256 string
	ImageReference string // image outputs only
	DownloadCount  int64
	ExpiresAt      *time.Time // nil means the output is retained indefinitely
	CreatedAt      time.Time
}

func (o BuildOutput) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(o.ID) == "" {
		verr.Add("output id is required")
	}
	if strings.TrimSpace(o.RunID) == "" {
		verr.Add("run id is required")
	}
	if !o.Type.ValidForOutput() {
		verr.Add("output type must be one of: zip, container_image")
	}
	switch o.Type {
	case OutputTypeZip:
		if strings.TrimSpace(o.FilePath) == "" {
			verr.Add("zip outputs require a file path")
		}
	case OutputTypeImage:
		if strings.TrimSpace(o.ImageReference) == "" {
			verr.Add("image outputs require an image reference")
		}
	}
	return verr.OrNil()
}

// Expired reports whether the output's retention window has passed.
func (o BuildOutput) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// Downloadable reports whether the output can be served as a file download.
func (o BuildOutput) Downloadable() bool {
	return o.Type == OutputTypeZip
}
