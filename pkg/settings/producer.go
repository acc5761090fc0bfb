package settings

import (
	"context"

	"github.com/dufton/throttlingtroll/pkg/throttle"
)

// SectionSelector picks one direction's section out of a parsed file.
type SectionSelector func(*File) *Section

// IngressSection selects the ingress rules.
func IngressSection(f *File) *Section { return f.Ingress }

// EgressSection selects the egress rules.
func EgressSection(f *File) *Section { return f.Egress }

// FileProducer returns a ConfigProducer that re-reads the settings file
// on every call. Wire it into a loader with a refresh interval to poll
// the file, or pair it with a Watcher for push-based reloads.
func FileProducer(path string, sel SectionSelector, opts ...BuildOption) throttle.ConfigProducer {
	return func(_ context.Context) (*throttle.Config, error) {
		f, err := Load(path)
		if err != nil {
			return nil, err
		}
		return Build(sel(f), opts...)
	}
}
