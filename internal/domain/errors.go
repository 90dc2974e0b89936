package domain

import "errors"

// Structural errors: retrying the job cannot make them go away.
var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrStatusNotFound       = errors.New("order status not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrDispatchNotFound     = errors.New("dispatch state not found")
)

// IsStructural reports whether err is one of the not-found errors above.
func IsStructural(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrOrganizationNotFound) ||
		errors.Is(err, ErrStatusNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrDispatchNotFound)
}
