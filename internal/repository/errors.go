package repository

import (
	"fmt"

	"github.com/al4/orlo/internal/domain"
)

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = fmt.Errorf("repository: %w", domain.ErrNotFound)
	// ErrInvalidArgument indicates the store rejected a value.
	ErrInvalidArgument = fmt.Errorf("repository: invalid argument: %w", domain.ErrValidation)
)
