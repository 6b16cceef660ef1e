package connector

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/crimson-sun/edgewatch/internal/errkind"
	"github.com/crimson-sun/edgewatch/internal/metrics"
	"github.com/crimson-sun/edgewatch/internal/output"
)

// Deps are the shared collaborators handed to every connector constructor.
type Deps struct {
	Logger  *slog.Logger
	Archive output.Output // raw record archive; may be nil
	Metrics *metrics.Registry
}

// Constructor builds a Connector for one provider.
type Constructor func(cfg ConnectorConfig, deps Deps) (Connector, error)

var (
	mu        sync.RWMutex
	providers = map[string]Constructor{}
)

// Register makes a provider available to Get. Providers register from init;
// an empty name, a nil constructor, or a second registration under the same
// name panics.
func Register(name string, ctor Constructor) {
	if name == "" || ctor == nil {
		panic("connector: Register needs a name and a constructor")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := providers[name]; dup {
		panic("connector: provider registered twice: " + name)
	}
	providers[name] = ctor
}

// Get looks up a provider. An unknown name is a configuration error.
func Get(name string) (Constructor, error) {
	mu.RLock()
	ctor, ok := providers[name]
	mu.RUnlock()
	if !ok {
		return nil, errkind.New(errkind.FatalConfig, "connector lookup",
			fmt.Errorf("unknown provider %q (available: %s)", name, strings.Join(Providers(), ", ")))
	}
	return ctor, nil
}

// Providers lists the registered provider names in order.
func Providers() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
