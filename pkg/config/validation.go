package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom
// rules that cannot be expressed in tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.Bundle.Cache.Type == "badger" && cfg.Bundle.Cache.Path == "" {
		return fmt.Errorf("bundle.cache.path: required for the badger cache")
	}
	if cfg.Driver.FenceAlignment&(cfg.Driver.FenceAlignment-1) != 0 {
		return fmt.Errorf("driver.fence_alignment: must be a power of two, got %d",
			cfg.Driver.FenceAlignment)
	}
	return nil
}

func formatValidationError(err error) error {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	for _, fe := range errs {
		return fmt.Errorf("%s: failed %q validation (value: %v)",
			fe.Namespace(), fe.Tag(), fe.Value())
	}
	return err
}
