package recipe

import (
	"errors"
	"fmt"
)

// ErrInvalidRecipe is returned when a recipe fails validation,
// wrapping the underlying problem for errors.Is/As.
type ErrInvalidRecipe struct {
	Problem error
}

func (e ErrInvalidRecipe) Error() string {
	return fmt.Sprintf("recipe is invalid: %v", e.Problem)
}

func (e ErrInvalidRecipe) Unwrap() error { return e.Problem }

// validate enforces the invariants that can be checked without
// consulting the rest of the recipe set (pkgname uniqueness is checked
// globally by validatePkgnameUniqueness after every recipe is parsed).
func validate(info *RecipeInfo) error {
	// Zero means "unset" and falls back to the launcher's default; only
	// an explicit negative value is a validation error.
	if info.TimeLimitHours < 0 {
		return ErrInvalidRecipe{Problem: fmt.Errorf("time_limit_hours should be positive, got %v", info.TimeLimitHours)}
	}

	for i, m := range info.Maintainers {
		if m.Email == "" && m.GitHub == "" {
			return ErrInvalidRecipe{Problem: fmt.Errorf("maintainers[%d] must have email or github", i)}
		}
	}

	for i, e := range info.UpdateOn {
		if _, hasAlias := e.Alias(); hasAlias {
			continue
		}
		if _, hasSource := e["source"]; !hasSource {
			return ErrInvalidRecipe{Problem: fmt.Errorf("update_on[%d] has neither alias nor source", i)}
		}
	}

	for _, t := range info.ThrottleInfo {
		if t.EntryIndex < 0 || t.EntryIndex >= len(info.UpdateOn) {
			return ErrInvalidRecipe{Problem: fmt.Errorf("throttle_info references out-of-range entry %d", t.EntryIndex)}
		}
	}

	if info.PinWorker != "" && len(info.AllowedWorkers) > 0 {
		found := false
		for _, w := range info.AllowedWorkers {
			if w == info.PinWorker {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidRecipe{Problem: errors.New("pin_worker is not in allowed_workers")}
		}
	}

	return nil
}
