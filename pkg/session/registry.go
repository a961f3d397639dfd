package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	// maxPortableIDLength is the client identifier length MQTT 3.1 brokers
	// are required to accept.
	maxPortableIDLength = 23
	generatedIDPrefix   = "dataflow-"
)

// ClientIDRegistry hands out client identifiers that are unique among the
// live sessions sharing the registry. A broker disconnects an existing
// client when another connects with the same identifier, so two engines
// configured with the same id would otherwise evict each other.
//
// A registry is scoped to whoever creates it, typically the hosting process
// or a single test.
type ClientIDRegistry struct {
	mu    sync.Mutex
	inUse map[string]struct{}
}

// NewClientIDRegistry creates an empty registry.
func NewClientIDRegistry() *ClientIDRegistry {
	return &ClientIDRegistry{inUse: make(map[string]struct{})}
}

// Acquire reserves an identifier. An empty request generates one; a request
// already in use is suffixed with "-1", "-2", ... When the request fits in 23
// characters, its base is shortened so the suffixed id fits too. Longer
// requests are the caller's choice and are suffixed as they are. The returned
// release func frees the identifier and is safe to call more than once.
func (r *ClientIDRegistry) Acquire(requested string) (string, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := requested
	if id == "" {
		for {
			id = generatedIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
			if _, taken := r.inUse[id]; !taken {
				break
			}
		}
	} else if _, taken := r.inUse[id]; taken {
		for n := 1; ; n++ {
			candidate := suffixed(requested, n)
			if _, taken := r.inUse[candidate]; !taken {
				id = candidate
				break
			}
		}
	}
	r.inUse[id] = struct{}{}

	var once sync.Once
	return id, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.inUse, id)
			r.mu.Unlock()
		})
	}
}

// InUse reports whether id is currently reserved.
func (r *ClientIDRegistry) InUse(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inUse[id]
	return ok
}

func suffixed(base string, n int) string {
	suffix := fmt.Sprintf("-%d", n)
	if len(base) <= maxPortableIDLength && len(base)+len(suffix) > maxPortableIDLength {
		base = base[:maxPortableIDLength-len(suffix)]
	}
	return base + suffix
}
