package detectors

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"argus/internal/pipeline"
)

// DefaultUseCases maps each deployment scenario to the detectors it runs,
// in execution order
var DefaultUseCases = map[string][]string{
	"palm_security": {"general", "fire"},
	"ppe":           {"ppe"},
	"road_damage":   {"road_damage"},
}

// Registry manages available detectors and the use cases composed from them
type Registry struct {
	detectors map[string]pipeline.Detector
	useCases  map[string][]string
	mu        sync.RWMutex
}

// NewRegistry creates a new detector registry seeded with DefaultUseCases
func NewRegistry() *Registry {
	r := &Registry{
		detectors: make(map[string]pipeline.Detector),
		useCases:  make(map[string][]string, len(DefaultUseCases)),
	}
	for name, dets := range DefaultUseCases {
		r.useCases[name] = append([]string(nil), dets...)
	}
	return r
}

// Register adds a detector to the registry
func (r *Registry) Register(detector pipeline.Detector) error {
	if detector == nil {
		return fmt.Errorf("detector cannot be nil")
	}

	name := detector.Name()
	if name == "" {
		return fmt.Errorf("detector name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.detectors[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}

	r.detectors[name] = detector
	return nil
}

// Get returns a detector by name
func (r *Registry) Get(name string) (pipeline.Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// DefineUseCase sets (or replaces) the ordered detector list of a use case
func (r *Registry) DefineUseCase(name string, detectorNames []string) error {
	if name == "" {
		return fmt.Errorf("use case name cannot be empty")
	}
	if len(detectorNames) == 0 {
		return fmt.Errorf("use case %q has no detectors", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.useCases[name] = append([]string(nil), detectorNames...)
	return nil
}

// UseCase resolves a use case to its detectors, in order. Every detector
// named by the use case must be registered.
func (r *Registry) UseCase(name string) ([]pipeline.Detector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names, ok := r.useCases[name]
	if !ok {
		return nil, fmt.Errorf("unknown use case %q", name)
	}

	result := make([]pipeline.Detector, 0, len(names))
	for _, n := range names {
		d, ok := r.detectors[n]
		if !ok {
			return nil, fmt.Errorf("use case %q needs detector %q, which is not configured", name, n)
		}
		result = append(result, d)
	}
	return result, nil
}

// UseCases returns the known use case names, sorted
func (r *Registry) UseCases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.useCases))
	for name := range r.useCases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Names returns the names of all registered detectors, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health reports IsHealthy for every registered detector
func (r *Registry) Health() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.detectors))
	for name, d := range r.detectors {
		out[name] = d.IsHealthy()
	}
	return out
}

// Close releases all detector resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for name, d := range r.detectors {
		if cerr := d.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("error closing detector %q: %w", name, cerr))
		}
		delete(r.detectors, name)
	}
	return err
}
