package domain

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusError      Status = "Error"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	return s == StatusProcessing || s.Terminal()
}

// CheckTransition allows only Processing -> terminal.
func CheckTransition(from, to Status) error {
	if from != StatusProcessing || !to.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

type Files struct {
	OriginalFilename string
	InputPath        string
	OutputPath       string
	Extension        string
}

type Job struct {
	ID         string
	Status     Status
	Files      Files
	WebhookURL string
	Detail     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func NewJob(id, webhookURL string, now time.Time) Job {
	return Job{
		ID:         id,
		Status:     StatusProcessing,
		WebhookURL: webhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
