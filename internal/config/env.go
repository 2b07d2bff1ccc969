package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ApplyEnv overrides recipe values from environment variables
//
// Environment variables:
//   - E5DEPLOY_DEPLOY_PATH: deploy root (default: /var/www/html_prod)
//   - E5DEPLOY_REPOSITORY: git remote used for release tags
//   - E5DEPLOY_BRANCH: branch deployed by the external tool
//   - E5DEPLOY_DB_NAME: application database name
//   - E5DEPLOY_DB_USERNAME: application database account
//   - E5DEPLOY_DEFAULT_TIMEOUT: default command timeout in seconds (default: 7200)
//   - E5DEPLOY_DOCKER_ENV_FILE: docker repo .env merged into the shared .env
//   - E5DEPLOY_BIN_PHP: php binary
//   - E5DEPLOY_LOG_LEVEL: debug, info, warn or error
//
// Returns an error if any environment variable has an invalid value.
func (c *Config) ApplyEnv() error {
	if err := parseEnvString("E5DEPLOY_DEPLOY_PATH", &c.DeployPath); err != nil {
		return err
	}
	if err := parseEnvString("E5DEPLOY_REPOSITORY", &c.Repository); err != nil {
		return err
	}
	if err := parseEnvString("E5DEPLOY_BRANCH", &c.Branch); err != nil {
		return err
	}
	if err := parseEnvString("E5DEPLOY_DB_NAME", &c.Database.Name); err != nil {
		return err
	}
	if err := parseEnvString("E5DEPLOY_DB_USERNAME", &c.Database.Username); err != nil {
		return err
	}
	if err := parseEnvSeconds("E5DEPLOY_DEFAULT_TIMEOUT", &c.Timeouts.Default); err != nil {
		return err
	}
	if err := parseEnvString("E5DEPLOY_DOCKER_ENV_FILE", &c.DockerEnvFile); err != nil {
		return err
	}
	if err := parseEnvString("E5DEPLOY_BIN_PHP", &c.Bin.PHP); err != nil {
		return err
	}
	if err := parseEnvString("E5DEPLOY_LOG_LEVEL", &c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Secrets are the credentials and flags read from the process environment.
// They never come from the recipe file.
type Secrets struct {
	DockerEnv         string
	MySQLRootPassword string
	SystemEmail       string

	SuperAdminEmail     string
	SuperAdminFirstName string
	SuperAdminLastName  string
	SuperAdminPassword  string
}

// SecretsFromEnv reads Secrets through getenv, applying the recipe fallbacks
// for every unset value.
func SecretsFromEnv(getenv func(string) string) Secrets {
	if getenv == nil {
		getenv = os.Getenv
	}
	or := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}

	return Secrets{
		DockerEnv:           or("DOCKER_ENV", "not_set"),
		MySQLRootPassword:   getenv("MYSQL_ROOT_PASSWORD"),
		SystemEmail:         or("SYSTEM_EMAIL", "alerts@example.com"),
		SuperAdminEmail:     or("SUPER_ADMIN_EMAIL", "admin@example.com"),
		SuperAdminFirstName: or("SUPER_ADMIN_FIRST_NAME", "Admin"),
		SuperAdminLastName:  or("SUPER_ADMIN_LAST_NAME", "User"),
		SuperAdminPassword:  or("SUPER_ADMIN_PASSWORD", "AdminPassword123!"),
	}
}

// parseEnvSeconds parses a positive number of seconds from an environment variable
func parseEnvSeconds(key string, dest *time.Duration) error {
	var seconds int
	if err := parseEnvInt(key, &seconds); err != nil {
		return err
	}
	if seconds == 0 && os.Getenv(key) == "" {
		return nil // Use default
	}
	if seconds <= 0 {
		return fmt.Errorf("invalid value for %s: must be positive (got %d)", key, seconds)
	}
	*dest = time.Duration(seconds) * time.Second
	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	*dest = value
	return nil
}
