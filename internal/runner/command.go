package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"syscall"
)

const (
	DefaultGPU   = 0
	DefaultScale = 2
)

// Command describes the upscaler executable and its fixed tuning arguments.
type Command struct {
	Path  string
	GPU   int
	Scale int
}

// DefaultBinary returns the bundled upscaler location for goos.
func DefaultBinary(goos string) string {
	switch goos {
	case "windows":
		return `.\realesrgan-ncnn-windows\realesrgan-ncnn-vulkan.exe`
	case "darwin":
		return "./realesrgan-ncnn-macos/realesrgan-ncnn-vulkan"
	default:
		return "./realesrgan-ncnn-ubuntu/realesrgan-ncnn-vulkan"
	}
}

func (c Command) Args(input, output string) []string {
	return []string{
		"-i", input,
		"-o", output,
		"-g", strconv.Itoa(c.GPU),
		"-s", strconv.Itoa(c.Scale),
	}
}

var (
	ErrSpawn      = errors.New("spawn upscaler")
	ErrStreamRead = errors.New("read upscaler output")
	ErrWait       = errors.New("wait for upscaler exit")
)

type SpawnReason string

const (
	SpawnNotFound         SpawnReason = "not_found"
	SpawnPermissionDenied SpawnReason = "permission_denied"
	SpawnExecFormat       SpawnReason = "exec_format"
	SpawnUnknown          SpawnReason = "unknown"
)

type SpawnError struct {
	Path   string
	Reason SpawnReason
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", ErrSpawn, e.Path, e.Reason, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}

func newSpawnError(path string, err error) *SpawnError {
	return &SpawnError{Path: path, Reason: spawnReason(err), Err: err}
}

func spawnReason(err error) SpawnReason {
	switch {
	case errors.Is(err, syscall.ENOEXEC):
		return SpawnExecFormat
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return SpawnNotFound
	case errors.Is(err, syscall.EACCES), errors.Is(err, fs.ErrPermission):
		return SpawnPermissionDenied
	default:
		return SpawnUnknown
	}
}
