package config

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Environment variables carrying secrets
const (
	EnvJWTSecret          = "WORKER_JWT_SECRET"
	EnvRegistrationSecret = "WORKER_REGISTRATION_SECRET"
	EnvDispatchSecret     = "WORKER_DISPATCH_SECRET"
	EnvAdminAPIKeyHash    = "ADMIN_API_KEY_HASH"
	EnvArmWorkerToken     = "ARM_WORKER_TOKEN"
)

// Development fallbacks. They are refused in production.
const (
	devJWTSecret          = "dev-worker-jwt-secret"
	devRegistrationSecret = "dev-registration-secret"
	devDispatchSecret     = "dev-dispatch-secret"
	// DevAdminAPIKey is accepted by the admin middleware outside production
	DevAdminAPIKey = "dev-admin-key"
)

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// LoadSecrets fills the security section from the environment. In
// production every secret must be set; elsewhere missing secrets fall back
// to development values and are returned so the caller can warn about them.
func (c *Config) LoadSecrets(lookup LookupFunc) (defaulted []string, err error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	secrets := []struct {
		env      string
		field    *string
		fallback string
	}{
		{EnvJWTSecret, &c.Security.JWTSecret, devJWTSecret},
		{EnvRegistrationSecret, &c.Security.RegistrationSecret, devRegistrationSecret},
		{EnvDispatchSecret, &c.Security.DispatchSecret, devDispatchSecret},
		{EnvAdminAPIKeyHash, &c.Security.AdminAPIKeyHash, ""},
	}

	var missing []string
	for _, s := range secrets {
		if v, ok := lookup(s.env); ok && strings.TrimSpace(v) != "" {
			*s.field = strings.TrimSpace(v)
			continue
		}
		if c.IsProduction() {
			missing = append(missing, s.env)
			continue
		}
		fallback := s.fallback
		if s.env == EnvAdminAPIKeyHash {
			hash, err := bcrypt.GenerateFromPassword([]byte(DevAdminAPIKey), bcrypt.MinCost)
			if err != nil {
				return nil, fmt.Errorf("failed to hash development admin key: %w", err)
			}
			fallback = string(hash)
		}
		*s.field = fallback
		defaulted = append(defaulted, s.env)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required secrets in production: %s", strings.Join(missing, ", "))
	}

	if v, ok := lookup(EnvArmWorkerToken); ok {
		c.Arm.Token = strings.TrimSpace(v)
	}

	return defaulted, nil
}
