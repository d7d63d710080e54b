package rank

import (
	"errors"
	"fmt"

	"rankrelay.org/internal/platform"
	"rankrelay.org/internal/roles"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrPermission = errors.New("permission denied")
	ErrNotFound   = errors.New("not found")
)

// translate folds platform and directory failures into this package's
// taxonomy. Transport and rate-limit errors pass through untouched.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrPermission), errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, platform.ErrNotFound), errors.Is(err, roles.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, platform.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermission, err)
	case errors.Is(err, platform.ErrValidation):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return err
}
