// Package catalog is the registry of speech models voxscribe knows about.
//
// A [Catalog] is built once at process start from the built-in descriptors and
// any extra entries from the configuration file. It is immutable afterwards and
// safe for concurrent use without locking.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Family identifies the backend family that runs a speech model. The set is
// closed: every consumer that switches over families must handle all of them.
type Family string

const (
	// FamilyOnDeviceV1 runs a ggml whisper model in-process through the
	// whisper.cpp bindings.
	FamilyOnDeviceV1 Family = "ondevice-v1"

	// FamilyOnDeviceV2 runs the model inside a local inference server that
	// owns the accelerator and supports vocabulary biasing.
	FamilyOnDeviceV2 Family = "ondevice-v2"

	// FamilyCloud sends audio to a hosted transcription endpoint. Cloud models
	// have no on-disk artifacts.
	FamilyCloud Family = "cloud"
)

// Families lists every known family in a stable order.
var Families = []Family{FamilyOnDeviceV1, FamilyOnDeviceV2, FamilyCloud}

// Valid reports whether f is one of the known families.
func (f Family) Valid() bool {
	return slices.Contains(Families, f)
}

// OnDevice reports whether models of this family are stored locally.
func (f Family) OnDevice() bool {
	return f == FamilyOnDeviceV1 || f == FamilyOnDeviceV2
}

// Capability is a bit set of model requirements and features.
type Capability uint8

const (
	// RequiresNeuralAccelerator marks models that need a GPU or NPU to run at
	// interactive speed.
	RequiresNeuralAccelerator Capability = 1 << iota

	// SupportsBiasing marks models whose backend accepts vocabulary hints.
	SupportsBiasing

	// SupportsTimestamps marks models that report per-segment timing.
	SupportsTimestamps

	// Multilingual marks models that recognise more than one language.
	Multilingual
)

// Has reports whether all bits in c are set.
func (c Capability) Has(flag Capability) bool { return c&flag == flag }

// String renders the set as a comma-separated list.
func (c Capability) String() string {
	var names []string
	for _, f := range []struct {
		flag Capability
		name string
	}{
		{RequiresNeuralAccelerator, "neural-accelerator"},
		{SupportsBiasing, "biasing"},
		{SupportsTimestamps, "timestamps"},
		{Multilingual, "multilingual"},
	} {
		if c.Has(f.flag) {
			names = append(names, f.name)
		}
	}
	return strings.Join(names, ",")
}

// Artifact is one file that must be present on disk for a model to be usable.
type Artifact struct {
	// Name is the file name inside the model's cache directory.
	Name string `yaml:"name" json:"name"`

	// URL is the download source.
	URL string `yaml:"url" json:"url"`

	// SHA256 is the lowercase hex digest of the file. Empty disables
	// verification.
	SHA256 string `yaml:"sha256" json:"sha256,omitempty"`

	// Size is the expected file size in bytes. Zero means unknown.
	Size int64 `yaml:"size" json:"size,omitempty"`
}

// Descriptor describes one speech model. Descriptors are immutable values.
type Descriptor struct {
	// ID is the stable, opaque identity. It also keys the on-disk layout.
	ID string `yaml:"id" json:"id"`

	Family Family `yaml:"family" json:"family"`

	// Name is the human-readable display name.
	Name string `yaml:"name" json:"name"`

	// ApproxSize is the approximate storage footprint in bytes.
	ApproxSize int64 `yaml:"approx_size" json:"approx_size"`

	Capabilities Capability `yaml:"-" json:"capabilities"`

	// Languages lists BCP-47 primary language codes. Empty means any language
	// the model can detect.
	Languages []string `yaml:"languages" json:"languages,omitempty"`

	// Artifacts are the files the backend consumes. Cloud models have none.
	Artifacts []Artifact `yaml:"artifacts" json:"artifacts,omitempty"`

	// RemoteModel is the model name sent to a cloud endpoint. Ignored for
	// on-device families.
	RemoteModel string `yaml:"remote_model" json:"remote_model,omitempty"`
}

// IsZero reports whether d is the zero descriptor.
func (d Descriptor) IsZero() bool { return d.ID == "" }

// SupportsLanguage reports whether the model can transcribe the given
// language code. An empty code (auto-detect) is always supported.
func (d Descriptor) SupportsLanguage(code string) bool {
	if code == "" || code == "auto" || len(d.Languages) == 0 {
		return true
	}
	code = strings.ToLower(code)
	for _, l := range d.Languages {
		if strings.EqualFold(l, code) {
			return true
		}
	}
	return false
}

// Validate checks the descriptor for structural problems.
func (d Descriptor) Validate() error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.ContainsAny(d.ID, `/\`) || d.ID == "." || d.ID == ".." {
		errs = append(errs, fmt.Errorf("id %q must be a single path element", d.ID))
	}
	if !d.Family.Valid() {
		errs = append(errs, fmt.Errorf("unknown family %q", d.Family))
	}
	if d.Family.OnDevice() && len(d.Artifacts) == 0 {
		errs = append(errs, fmt.Errorf("family %q requires at least one artifact", d.Family))
	}
	if d.Family == FamilyCloud && d.RemoteModel == "" {
		errs = append(errs, errors.New("cloud models require remote_model"))
	}
	seen := make(map[string]bool, len(d.Artifacts))
	for i, a := range d.Artifacts {
		if a.Name == "" || strings.ContainsAny(a.Name, `/\`) {
			errs = append(errs, fmt.Errorf("artifacts[%d]: name %q must be a plain file name", i, a.Name))
		}
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("artifacts[%d]: url is required", i))
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("artifacts[%d]: duplicate name %q", i, a.Name))
		}
		seen[a.Name] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("catalog: descriptor %q: %w", d.ID, errors.Join(errs...))
	}
	return nil
}

// Catalog is an immutable, ordered set of descriptors.
type Catalog struct {
	order []string
	byID  map[string]Descriptor
}

// New builds a catalog from the given descriptors. Descriptor ids must be
// unique and every descriptor must validate.
func New(descs ...Descriptor) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Descriptor, len(descs))}
	var errs []error
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := c.byID[d.ID]; dup {
			errs = append(errs, fmt.Errorf("catalog: duplicate descriptor id %q", d.ID))
			continue
		}
		d.Languages = slices.Clone(d.Languages)
		d.Artifacts = slices.Clone(d.Artifacts)
		c.byID[d.ID] = d
		c.order = append(c.order, d.ID)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Default returns a catalog of the built-in descriptors followed by extra.
func Default(extra ...Descriptor) (*Catalog, error) {
	return New(append(Builtin(), extra...)...)
}

// Lookup returns the descriptor with the given id.
func (c *Catalog) Lookup(id string) (Descriptor, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// All returns every descriptor in registration order.
func (c *Catalog) All() []Descriptor {
	out := make([]Descriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// ByFamily returns the descriptors of one family in registration order.
func (c *Catalog) ByFamily(f Family) []Descriptor {
	var out []Descriptor
	for _, id := range c.order {
		if d := c.byID[id]; d.Family == f {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of descriptors.
func (c *Catalog) Len() int { return len(c.order) }
