package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
)

// ProjectConfigFile is looked up in the project root.
const ProjectConfigFile = "geoxfer.yaml"

// ByteSize is a size in bytes that also decodes from strings such as "8GB".
type ByteSize int64

// envSpec maps one environment variable to a config key.
type envSpec struct {
	Name string
	Path string
}

// short names shared by every workhorse service
var envAliases = []envSpec{
	{Name: "HOST", Path: "server.host"},
	{Name: "PORT", Path: "server.port"},
	{Name: "READ_TIMEOUT", Path: "server.read_timeout"},
	{Name: "WRITE_TIMEOUT", Path: "server.write_timeout"},
	{Name: "IDLE_TIMEOUT", Path: "server.idle_timeout"},
	{Name: "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
	{Name: "LOG_LEVEL", Path: "logging.level"},
	{Name: "LOG_PROFILE", Path: "logging.profile"},
	{Name: "DATABASE_URL", Path: "database.dsn"},
}

// Load resolves the configuration and makes it available through
// GetConfig. Each call starts from scratch.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	id := DefaultIdentity
	appIdentity = &id

	v := viper.New()
	setDefaults(v, id)

	root, rootErr := findProjectRoot()
	if rootErr == nil {
		// Existing environment variables win over .env entries.
		if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	files := getUserConfigPathsLocked()
	if rootErr == nil {
		files = append(files, filepath.Join(root, ProjectConfigFile))
	}
	for _, path := range files {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, spec := range getEnvSpecsLocked() {
		if val, ok := os.LookupEnv(spec.Name); ok {
			v.Set(spec.Path, val)
		}
	}

	for _, o := range overrides {
		setFlattened(v, "", o)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	var primary DatabaseConfig
	if err := v.UnmarshalKey("database", &primary, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode database config: %w", err)
	}
	cfg.addPrimaryDatabase(primary)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the configuration of the last successful Load, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// GetIdentity returns the identity set by Load, or nil.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

func setDefaults(v *viper.Viper, id Identity) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)
	v.SetDefault("data_dir", gfconfig.GetAppDataDir(id.ConfigName))

	v.SetDefault("scheduler.poll_interval", "5s")
	v.SetDefault("scheduler.heartbeat_interval", "30s")
	v.SetDefault("scheduler.heartbeat_rate", 20.0)
	v.SetDefault("scheduler.unknown_grace", "5m")
	v.SetDefault("scheduler.finalize_retries", 3)
	v.SetDefault("scheduler.finalize_backoff", "2s")
	v.SetDefault("scheduler.gc_interval", "1h")

	v.SetDefault("import.max_inflight_bytes", "8GiB")
	v.SetDefault("import.compressed_multiplier", 12)
	v.SetDefault("import.default_schema", "public")
	v.SetDefault("import.include", []string{})
	v.SetDefault("import.region", "")
	v.SetDefault("import.timeout", "2h")

	v.SetDefault("steps.callback_channel", "geoxfer_steps")
	v.SetDefault("steps.sync_timeout", "300s")
	v.SetDefault("steps.dispatch_timeout", "10s")
	v.SetDefault("steps.work_dir", "")
	v.SetDefault("steps.process_capacity", 4.0)

	v.SetDefault("store.driver", "sql")
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.retention", "336h")

	v.SetDefault("objectstore.provider", "file")
	v.SetDefault("objectstore.bucket", "")
	v.SetDefault("objectstore.region", "")
	v.SetDefault("objectstore.endpoint", "")
	v.SetDefault("objectstore.profile", "")
	v.SetDefault("objectstore.force_path_style", false)
	v.SetDefault("objectstore.base_dir", "")
	v.SetDefault("objectstore.presign_ttl", "1h")

	v.SetDefault("database.id", "default")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.capacity", 10.0)
	v.SetDefault("database.max_conns", 0)
	v.SetDefault("database.async_timeout", "12h")

	v.SetDefault("cache.local_ttl", "2s")
	v.SetDefault("cache.ttl", "10s")
	v.SetDefault("cache.shared", false)
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		byteSizeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func byteSizeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(ByteSize(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != target || from.Kind() != reflect.String {
			return data, nil
		}
		n, err := humanize.ParseBytes(strings.TrimSpace(reflect.ValueOf(data).String()))
		if err != nil {
			return nil, fmt.Errorf("invalid byte size %q: %w", data, err)
		}
		return ByteSize(n), nil
	}
}

// setFlattened applies a nested override map as dotted keys so that
// overrides of one field keep the defaults of its siblings.
func setFlattened(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			setFlattened(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

// getEnvSpecs lists the recognized environment variables: the short
// aliases and one GEOXFER_SECTION_KEY variable per config key.
func getEnvSpecs() []envSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return getEnvSpecsLocked()
}

func getEnvSpecsLocked() []envSpec {
	if appIdentity == nil {
		return []envSpec{}
	}
	prefix := appIdentity.EnvPrefix

	specs := make([]envSpec, 0, len(envAliases)+64)
	for _, a := range envAliases {
		specs = append(specs, envSpec{Name: prefix + a.Name, Path: a.Path})
	}

	v := viper.New()
	setDefaults(v, *appIdentity)
	for _, key := range v.AllKeys() {
		name := prefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		specs = append(specs, envSpec{Name: name, Path: key})
	}
	return specs
}

func getUserConfigPaths() []string {
	configMu.RLock()
	defer configMu.RUnlock()
	return getUserConfigPathsLocked()
}

func getUserConfigPathsLocked() []string {
	if appIdentity == nil {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	base := filepath.Join(dir, appIdentity.ConfigName)
	return []string{
		filepath.Join(base, "config.yaml"),
		filepath.Join(base, "config.yml"),
	}
}

var projectMarkers = []string{"go.mod", ProjectConfigFile, ".git"}

// findProjectRoot walks up from the working directory to the nearest
// directory holding a project marker. In CI the workspace root advertised
// by the runner is preferred when it contains the working directory.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	if isCI() {
		for _, name := range []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"} {
			if root, ok := ciBoundary(os.Getenv(name), cwd); ok {
				return root, nil
			}
		}
	}

	dir := cwd
	for {
		if hasMarker(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no project root above %s", cwd)
		}
		dir = parent
	}
}

func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

func ciBoundary(root, cwd string) (string, bool) {
	if root == "" || !filepath.IsAbs(root) {
		return "", false
	}
	root = filepath.Clean(root)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return "", false
	}
	rel, err := filepath.Rel(root, cwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if !hasMarker(root) {
		return "", false
	}
	return root, true
}

func hasMarker(dir string) bool {
	for _, m := range projectMarkers {
		if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
			return true
		}
	}
	return false
}
