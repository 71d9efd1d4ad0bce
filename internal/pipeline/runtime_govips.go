//go:build govips && cgo

package pipeline

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	runtimeMu   sync.Mutex
	running     bool
)

// Startup initializes libvips once per process. Lambda containers are
// reused across invocations, so the cache stays small and file handles
// are never cached.
func Startup() error {
	startupOnce.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelError)
		vips.Startup(&vips.Config{
			ConcurrencyLevel: 1,
			MaxCacheFiles:    0,
			MaxCacheMem:      64 * 1024 * 1024,
			MaxCacheSize:     50,
		})

		runtimeMu.Lock()
		running = true
		runtimeMu.Unlock()
	})
	return nil
}

func Shutdown() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if !running {
		return
	}
	vips.Shutdown()
	running = false
}

func newEngine() (Engine, error) {
	return vipsEngine{}, nil
}
