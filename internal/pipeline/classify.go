package pipeline

import (
	"errors"
	"fmt"

	"github.com/dunamismax/upscaler/internal/domain"
	"github.com/dunamismax/upscaler/internal/runner"
)

// Classify turns a runner result into a terminal status. The artifact is
// checked before the exit status: a clean exit alone is not success.
func Classify(res runner.Result) domain.Status {
	switch {
	case res.SpawnErr != nil:
		return domain.StatusError
	case res.ArtifactPresent:
		return domain.StatusCompleted
	case res.Exited:
		return domain.StatusFailed
	default:
		return domain.StatusError
	}
}

// Detail is a short human-readable reason stored next to the status.
func Detail(res runner.Result) string {
	var spawnErr *runner.SpawnError
	switch {
	case errors.As(res.SpawnErr, &spawnErr):
		return fmt.Sprintf("upscaler could not be started: %s", spawnErr.Reason)
	case res.SpawnErr != nil:
		return "upscaler could not be started"
	case res.ArtifactPresent:
		return ""
	case res.Exited:
		return fmt.Sprintf("upscaler exited with code %d without producing output", res.ExitCode)
	case res.WaitErr != nil:
		return "upscaler exit status unavailable"
	default:
		return "upscaler outcome unknown"
	}
}
