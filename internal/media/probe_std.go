//go:build !govips || !cgo

package media

import (
	"bufio"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

func Startup() error {
	return nil
}

func Shutdown() {}

// Probe reads only the image header of path.
func Probe(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		if err == image.ErrFormat {
			return Info{}, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
		}
		return Info{}, fmt.Errorf("decode header %s: %w", path, err)
	}
	return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}
