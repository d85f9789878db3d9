//go:build govips && cgo

package media

import (
	"fmt"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

func Startup() error {
	startupOnce.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   32 * 1024 * 1024,
			MaxCacheSize:  16,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func Probe(path string) (Info, error) {
	if err := Startup(); err != nil {
		return Info{}, err
	}

	img, err := vips.NewImageFromFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s: %v", ErrUnknownFormat, path, err)
	}
	defer img.Close()

	format, ok := vips.ImageTypes[img.Format()]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	return Info{Format: format, Width: img.Width(), Height: img.Height()}, nil
}
