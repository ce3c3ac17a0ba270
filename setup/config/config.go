package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Version is the current version of the config format.
// This will change whenever we make breaking changes to the config format.
const Version = 2

// Dendrite contains all the config used by the sync stream server.
type Dendrite struct {
	// The version of the configuration file.
	// If the version in a file doesn't match the current dendrite config
	// version then we can give a clear error message telling the user
	// to update their config file to the current version.
	Version int `yaml:"version"`

	Global  Global  `yaml:"global"`
	SyncAPI SyncAPI `yaml:"sync_api"`

	// The config for logging informations. Each hook will be added to logrus.
	Logging []LogrusHook `yaml:"logging"`

	// Any information derived from the configuration options for later use.
	Derived Derived `yaml:"-"`
}

// Derived holds information derived from the configuration file.
type Derived struct {
	// Absolute path of the loaded config file, used to resolve relative paths.
	ConfigDir string
}

// DefaultOpts controls how Defaults fills in the configuration.
type DefaultOpts struct {
	// Generate fills in values suitable for writing out a sample config.
	Generate bool
	// SingleDatabase leaves component databases empty so that the global
	// database_options are used instead.
	SingleDatabase bool
}

// A Path on the filesystem.
type Path string

// A DataSource for opening a postgresql database using lib/pq, or an
// SQLite database if prefixed with "file:".
type DataSource string

func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

func (d DataSource) IsPostgres() bool {
	// commented line may cause issues with tests, as we're using a
	// connection string like "dbname=dendrite sslmode=disable" there.
	// return strings.HasPrefix(string(d), "postgres:")
	return !d.IsSQLite()
}

// DataUnit is a number of bytes, written in YAML either as a plain integer
// or with a kb, mb or gb suffix.
type DataUnit int64

func (d *DataUnit) UnmarshalText(text []byte) error {
	var magnitude float64
	s := strings.ToLower(string(text))
	switch {
	case strings.HasSuffix(s, "tb"):
		s, magnitude = s[:len(s)-2], 1024*1024*1024*1024
	case strings.HasSuffix(s, "gb"):
		s, magnitude = s[:len(s)-2], 1024*1024*1024
	case strings.HasSuffix(s, "mb"):
		s, magnitude = s[:len(s)-2], 1024*1024
	case strings.HasSuffix(s, "kb"):
		s, magnitude = s[:len(s)-2], 1024
	default:
		magnitude = 1
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*d = DataUnit(v * magnitude)
	return nil
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this ConfigErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized ConfigErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// Load a yaml config file for the sync stream server.
// Relative paths are resolved relative to the directory of the config file.
func Load(configPath string) (*Dendrite, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", configPath)
	}
	basePath, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve config directory")
	}
	return loadConfig(basePath, configData)
}

func loadConfig(basePath string, configData []byte) (*Dendrite, error) {
	var c Dendrite
	c.Defaults(DefaultOpts{
		Generate:       false,
		SingleDatabase: true,
	})

	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	if err := c.check(); err != nil {
		return nil, err
	}

	c.Derived.ConfigDir = basePath
	c.Global.JetStream.StoragePath = absPath(basePath, c.Global.JetStream.StoragePath)
	for i := range c.Logging {
		if path, ok := c.Logging[i].Params["path"].(string); ok {
			c.Logging[i].Params["path"] = string(absPath(basePath, Path(path)))
		}
	}

	c.Wiring()
	return &c, nil
}

// Defaults sets default config values if they are not explicitly set.
func (c *Dendrite) Defaults(opts DefaultOpts) {
	c.Version = Version
	c.Global.Defaults(opts)
	c.SyncAPI.Defaults(opts)
	c.Logging = []LogrusHook{
		{
			Type:  "std",
			Level: "info",
		},
	}
	c.Wiring()
}

// Verify checks the config for missing or invalid values.
func (c *Dendrite) Verify(configErrs *ConfigErrors) {
	type verifiable interface {
		Verify(configErrs *ConfigErrors)
	}
	for _, c := range []verifiable{
		&c.Global, &c.SyncAPI,
	} {
		c.Verify(configErrs)
	}
	for i := range c.Logging {
		c.Logging[i].Verify(configErrs)
	}
}

// Wiring points each component section back at the global section.
func (c *Dendrite) Wiring() {
	c.Global.JetStream.Matrix = &c.Global
	c.SyncAPI.Matrix = &c.Global
}

func (c *Dendrite) check() error {
	var configErrs ConfigErrors

	if c.Version != Version {
		configErrs.Add(fmt.Sprintf(
			"config version is %d, expected %d - this means that the format of the configuration "+
				"file has changed in some significant way, so please revisit the sample config "+
				"and ensure you are not missing any important options that may have been added "+
				"or changed recently!",
			c.Version, Version,
		))
		return configErrs
	}

	c.Wiring()
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return configErrs
	}
	return nil
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero included)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

func absPath(dir string, path Path) Path {
	if path == "" || filepath.IsAbs(string(path)) {
		return path
	}
	return Path(filepath.Join(dir, string(path)))
}

// LogrusHook represents a single logrus hook. At this point, only parsing and
// verification of the proper values for type and level are done.
// Validity/integrity checks on the parameters are done when configuring logrus.
type LogrusHook struct {
	// The type of hook, currently only "file" and "std" are supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

func (l *LogrusHook) Verify(configErrs *ConfigErrors) {
	switch l.Type {
	case "file":
		path, ok := l.Params["path"].(string)
		if !ok || path == "" {
			configErrs.Add("logging.params.path must be set for file hooks")
		}
	case "std":
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "logging.type", l.Type))
	}
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "logging.level", l.Level))
	}
}
