package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// ListChangedCapability is declared by features that can announce list changes.
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability declares resource support.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// Capabilities is the capability object exchanged during initialize. The same
// shape is used for both peers; a nil member means the feature is absent.
type Capabilities struct {
	Experimental map[string]any         `json:"experimental,omitempty"`
	Logging      *struct{}              `json:"logging,omitempty"`
	Completions  *struct{}              `json:"completions,omitempty"`
	Prompts      *ListChangedCapability `json:"prompts,omitempty"`
	Resources    *ResourcesCapability   `json:"resources,omitempty"`
	Tools        *ListChangedCapability `json:"tools,omitempty"`
	Roots        *ListChangedCapability `json:"roots,omitempty"`
	Sampling     *struct{}              `json:"sampling,omitempty"`
}

// Feature is one negotiable capability.
type Feature uint8

const (
	FeatureLogging Feature = 1 << iota
	FeatureCompletions
	FeaturePrompts
	FeatureResources
	FeatureTools
	FeatureRoots
	FeatureSampling
)

var featureNames = map[Feature]string{
	FeatureLogging:     "logging",
	FeatureCompletions: "completions",
	FeaturePrompts:     "prompts",
	FeatureResources:   "resources",
	FeatureTools:       "tools",
	FeatureRoots:       "roots",
	FeatureSampling:    "sampling",
}

func (f Feature) String() string {
	if name, ok := featureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Feature(%d)", uint8(f))
}

// ParseFeature maps a capability name to its Feature.
func ParseFeature(name string) (Feature, error) {
	for f, n := range featureNames {
		if strings.EqualFold(n, name) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown capability %q", name)
}

// FeatureSet is an immutable set of features.
type FeatureSet uint8

// NewFeatureSet builds a set from individual features.
func NewFeatureSet(features ...Feature) FeatureSet {
	var fs FeatureSet
	for _, f := range features {
		fs |= FeatureSet(f)
	}
	return fs
}

// Has reports whether f is in the set.
func (fs FeatureSet) Has(f Feature) bool { return fs&FeatureSet(f) != 0 }

// Intersect returns the features present in both sets.
func (fs FeatureSet) Intersect(other FeatureSet) FeatureSet { return fs & other }

// Names returns the sorted feature names in the set.
func (fs FeatureSet) Names() []string {
	names := make([]string, 0, len(featureNames))
	for f, n := range featureNames {
		if fs.Has(f) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func (fs FeatureSet) String() string {
	return "{" + strings.Join(fs.Names(), ",") + "}"
}

// Features returns the set of features declared by c.
func (c Capabilities) Features() FeatureSet {
	var fs FeatureSet
	if c.Logging != nil {
		fs |= FeatureSet(FeatureLogging)
	}
	if c.Completions != nil {
		fs |= FeatureSet(FeatureCompletions)
	}
	if c.Prompts != nil {
		fs |= FeatureSet(FeaturePrompts)
	}
	if c.Resources != nil {
		fs |= FeatureSet(FeatureResources)
	}
	if c.Tools != nil {
		fs |= FeatureSet(FeatureTools)
	}
	if c.Roots != nil {
		fs |= FeatureSet(FeatureRoots)
	}
	if c.Sampling != nil {
		fs |= FeatureSet(FeatureSampling)
	}
	return fs
}

// CapabilitiesFor builds a capability object declaring exactly the features in fs.
func CapabilitiesFor(fs FeatureSet) Capabilities {
	var c Capabilities
	if fs.Has(FeatureLogging) {
		c.Logging = &struct{}{}
	}
	if fs.Has(FeatureCompletions) {
		c.Completions = &struct{}{}
	}
	if fs.Has(FeaturePrompts) {
		c.Prompts = &ListChangedCapability{}
	}
	if fs.Has(FeatureResources) {
		c.Resources = &ResourcesCapability{}
	}
	if fs.Has(FeatureTools) {
		c.Tools = &ListChangedCapability{}
	}
	if fs.Has(FeatureRoots) {
		c.Roots = &ListChangedCapability{}
	}
	if fs.Has(FeatureSampling) {
		c.Sampling = &struct{}{}
	}
	return c
}

// ParseCapabilities builds a capability object from feature names.
func ParseCapabilities(names []string) (Capabilities, error) {
	var fs FeatureSet
	for _, name := range names {
		f, err := ParseFeature(name)
		if err != nil {
			return Capabilities{}, err
		}
		fs |= FeatureSet(f)
	}
	return CapabilitiesFor(fs), nil
}

// Negotiate computes the feature-wise intersection of both declarations.
func Negotiate(client, server Capabilities) FeatureSet {
	return client.Features().Intersect(server.Features())
}

// FeatureForMethod maps a method to the feature that must be negotiated
// before it may be used. Methods outside any feature return false.
func FeatureForMethod(method string) (Feature, bool) {
	switch {
	case strings.HasPrefix(method, "tools/"), method == MethodNotifyToolsListChanged:
		return FeatureTools, true
	case strings.HasPrefix(method, "resources/"), strings.HasPrefix(method, "notifications/resources/"):
		return FeatureResources, true
	case strings.HasPrefix(method, "prompts/"), method == MethodNotifyPromptsListChanged:
		return FeaturePrompts, true
	case strings.HasPrefix(method, "logging/"), method == MethodNotificationMessage:
		return FeatureLogging, true
	case strings.HasPrefix(method, "completion/"):
		return FeatureCompletions, true
	case strings.HasPrefix(method, "sampling/"):
		return FeatureSampling, true
	case strings.HasPrefix(method, "roots/"), method == MethodNotifyRootsListChanged:
		return FeatureRoots, true
	}
	return 0, false
}
