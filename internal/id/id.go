package id

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string.
func New() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return u.String(), nil
}

func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
