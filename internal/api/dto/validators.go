package dto

import (
	"slices"
	"sync"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/registry"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var registerOnce sync.Once

// RegisterValidators installs the platform, region and jobtype binding tags
// on gin's validator. It is safe to call more than once.
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("platform", func(fl validator.FieldLevel) bool {
			return registry.IsSupportedPlatform(fl.Field().String())
		})
		_ = v.RegisterValidation("region", func(fl validator.FieldLevel) bool {
			return registry.IsSupportedRegion(fl.Field().String())
		})
		_ = v.RegisterValidation("jobtype", func(fl validator.FieldLevel) bool {
			return slices.Contains(domain.JobTypes, fl.Field().String())
		})
	})
}
