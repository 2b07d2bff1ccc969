package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the recipe file looked up when --config is not given.
const DefaultPath = "deploy.yaml"

// Config holds the deployment recipe settings for one host.
type Config struct {
	// Host is the logical host name shown in logs and history (e.g. "production")
	Host string `yaml:"host"`

	// Repository is the git remote the release tags are read from
	Repository string `yaml:"repository"`
	Branch     string `yaml:"branch"`

	// DeployPath is the root managed by the deployment tool:
	// <deploy_path>/current, <deploy_path>/shared, <deploy_path>/releases
	DeployPath string `yaml:"deploy_path"`

	// KeepReleases is passed through to the deployment tool
	KeepReleases int `yaml:"keep_releases"`

	// Shell runs every command string (default: bash)
	Shell string `yaml:"shell"`

	Bin      BinConfig      `yaml:"bin"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Database DatabaseConfig `yaml:"database"`

	// DockerEnvFile is the docker repo .env that overrides are merged from
	DockerEnvFile string `yaml:"docker_env_file"`

	// RecipeFile and StorageFoldersScript are symlinked from the current release
	// into the deploy path so operators can run them between deployments
	RecipeFile           string `yaml:"recipe_file"`
	StorageFoldersScript string `yaml:"storage_folders_script"`

	// AfterPullScript runs in the current release on every deployment
	AfterPullScript string `yaml:"after_pull_script"`

	// BashScripts are restricted to owner-only permissions after publishing
	BashScripts []string `yaml:"bash_scripts"`

	SharedFiles  []string `yaml:"shared_files"`
	SharedDirs   []string `yaml:"shared_dirs"`
	WritableDirs []string `yaml:"writable_dirs"`

	// MergeKeys are copied from DockerEnvFile into the shared .env
	MergeKeys []string `yaml:"merge_keys"`

	// Delegate maps framework task names to the external tool command that
	// implements them. {{task}} expands to the task name.
	Delegate map[string]string `yaml:"delegate"`

	// StateDir holds the history database and the run lock
	StateDir string `yaml:"state_dir"`

	Log LogConfig `yaml:"log"`
}

// BinConfig names the binaries used to drive the application
type BinConfig struct {
	PHP      string `yaml:"php"`
	Composer string `yaml:"composer"`
}

// TimeoutConfig bounds long running commands
type TimeoutConfig struct {
	Default time.Duration `yaml:"default"`
	Migrate time.Duration `yaml:"migrate"`
	Stats   time.Duration `yaml:"stats"`
}

// DatabaseConfig describes the application database and its account
type DatabaseConfig struct {
	Name     string `yaml:"name"`
	Username string `yaml:"username"`

	// PasswordLength of the generated account password
	PasswordLength int `yaml:"password_length"`

	// ReadyAttempts and ReadyDelay control the wait for the docker db host
	ReadyAttempts int           `yaml:"ready_attempts"`
	ReadyDelay    time.Duration `yaml:"ready_delay"`
}

// LogConfig controls the structured logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultMergeKeys are the keys taken from the docker .env on every deployment
var DefaultMergeKeys = []string{
	"API_RATE_LIMIT_ENTRIES",
	"API_RATE_LIMIT_MEDIA",
	"API_RATE_LIMIT_PROJECT",
	"APP_ENV",
	"APP_LOG",
	"APP_LOG_LEVEL",
	"APP_LOG_MAX_FILES",
	"APP_NAME",
	"APP_URL",
	"BULK_DELETION_CHUNK_SIZE",
	"JWT_EXPIRE",
	"JWT_FORGOT_EXPIRE",
	"JWT_PASSWORDLESS_EXPIRE",
	"LOG_CHANNEL",
	"MAIL_ENCRYPTION",
	"MAIL_FROM_ADDRESS",
	"MAIL_FROM_NAME",
	"MAIL_HOST",
	"MAIL_MAILER",
	"MAIL_PASSWORD",
	"MAIL_PORT",
	"MAIL_USERNAME",
	"MAILGUN_DOMAIN",
	"MAILGUN_ENDPOINT",
	"MAILGUN_SECRET",
	"MAILGUN_ZONE",
	"OPENCAGE_ENDPOINT",
	"OPENCAGE_KEY",
	"PASSWORDLESS_TOKEN_EXPIRES_IN",
	"PHPINFO_ENABLED",
	"RESPONSE_DELAY_MEDIA_REQUEST",
	"RESPONSE_DELAY_UPLOAD_REQUEST",
	"SESSION_EXPIRE",
	"SESSION_SAME_SITE",
	"SESSION_SECURE_COOKIE",
	"STORAGE_AVAILABLE_MIN_THRESHOLD",
	"SUPER_ADMIN_EMAIL",
	"SUPER_ADMIN_FIRST_NAME",
	"SUPER_ADMIN_LAST_NAME",
	"SUPER_ADMIN_PASSWORD",
	"SYSTEM_EMAIL",
}

// DelegatedTasks are implemented by the external deployment tool
var DelegatedTasks = []string{"deploy:prepare", "deploy:vendors", "deploy:publish"}

// Default returns the production recipe for the Epicollect5 server
func Default() *Config {
	delegate := make(map[string]string, len(DelegatedTasks))
	for _, name := range DelegatedTasks {
		delegate[name] = "dep {{task}} {{host}}"
	}

	return &Config{
		Host:         "production",
		Repository:   "https://github.com/epicollect5/epicollect5-server.git",
		Branch:       "master",
		DeployPath:   "/var/www/html_prod",
		KeepReleases: 3,
		Shell:        "bash",
		Bin: BinConfig{
			PHP:      "php",
			Composer: "composer",
		},
		Timeouts: TimeoutConfig{
			Default: 7200 * time.Second,
			Migrate: 2000 * time.Second,
			Stats:   300 * time.Second,
		},
		Database: DatabaseConfig{
			Name:           "epicollect5_prod",
			Username:       "epicollect5_server",
			PasswordLength: 12,
			ReadyAttempts:  10,
			ReadyDelay:     2 * time.Second,
		},
		DockerEnvFile:        "/var/www/docker/.env",
		RecipeFile:           "deploy.yaml",
		StorageFoldersScript: "laravel_storage_folders.sh",
		AfterPullScript:      "after_pull-prod.sh",
		BashScripts: []string{
			"after_pull-dev.sh",
			"after_pull-prod.sh",
			"laravel_storage_folders.sh",
		},
		SharedFiles: []string{".env", "public/.htaccess"},
		SharedDirs:  []string{"storage"},
		WritableDirs: []string{
			"bootstrap/cache",
			"storage",
			"storage/app",
			"storage/app/projects",
			"storage/app/temp",
			"storage/framework",
			"storage/framework/cache",
			"storage/framework/cache/data",
			"storage/framework/sessions",
			"storage/framework/views",
			"storage/logs",
		},
		MergeKeys: append([]string(nil), DefaultMergeKeys...),
		Delegate:  delegate,
		StateDir:  ".e5deploy",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the recipe at path on top of the defaults.
// When implicit is true a missing file is not an error.
func Load(path string, implicit bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && implicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	envKeyPattern     = regexp.MustCompile(`^[A-Z0-9_]+$`)
)

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	if c.DeployPath == "" {
		return fmt.Errorf("deploy_path is required")
	}
	if !filepath.IsAbs(c.DeployPath) {
		return fmt.Errorf("deploy_path must be absolute (got %q)", c.DeployPath)
	}
	if c.Shell == "" {
		return fmt.Errorf("shell is required")
	}

	if !identifierPattern.MatchString(c.Database.Name) {
		return fmt.Errorf("database.name must match [A-Za-z0-9_]+ (got %q)", c.Database.Name)
	}
	if !identifierPattern.MatchString(c.Database.Username) {
		return fmt.Errorf("database.username must match [A-Za-z0-9_]+ (got %q)", c.Database.Username)
	}
	if c.Database.PasswordLength < 3 {
		return fmt.Errorf("database.password_length must be at least 3 (got %d)", c.Database.PasswordLength)
	}
	if c.Database.ReadyAttempts < 1 {
		return fmt.Errorf("database.ready_attempts must be at least 1 (got %d)", c.Database.ReadyAttempts)
	}

	if c.Timeouts.Default <= 0 || c.Timeouts.Migrate <= 0 || c.Timeouts.Stats <= 0 {
		return fmt.Errorf("timeouts must be positive (got default=%s migrate=%s stats=%s)",
			c.Timeouts.Default, c.Timeouts.Migrate, c.Timeouts.Stats)
	}

	seen := make(map[string]bool, len(c.MergeKeys))
	for _, key := range c.MergeKeys {
		if !envKeyPattern.MatchString(key) {
			return fmt.Errorf("merge key %q must match [A-Z0-9_]+", key)
		}
		if seen[key] {
			return fmt.Errorf("duplicate merge key %q", key)
		}
		seen[key] = true
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be 'console' or 'json' (got %q)", c.Log.Format)
	}

	return nil
}

// SharedPath is <deploy_path>/shared
func (c *Config) SharedPath() string {
	return filepath.Join(c.DeployPath, "shared")
}

// CurrentPath is the symlink to the live release
func (c *Config) CurrentPath() string {
	return filepath.Join(c.DeployPath, "current")
}

// SharedEnvFile is the .env every release links to
func (c *Config) SharedEnvFile() string {
	return filepath.Join(c.SharedPath(), ".env")
}

// StatePath resolves StateDir relative to the working directory
func (c *Config) StatePath() (string, error) {
	if filepath.IsAbs(c.StateDir) {
		return c.StateDir, nil
	}
	abs, err := filepath.Abs(c.StateDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve state dir: %w", err)
	}
	return abs, nil
}
