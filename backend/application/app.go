package application

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/yitter/idgenerator-go/idgen"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"sledge/backend/config"
	"sledge/backend/logger"
)

const Version = "1.2.0"

func init() {
	ini.PrettyFormat = false
	// WorkerId 1, one process per machine
	idgen.SetIdGenerator(idgen.NewIdGeneratorOptions(1))
}

var iniOptions = ini.LoadOptions{
	SkipUnrecognizableLines:  true,
	SpaceBeforeInlineComment: true,
	AllowShadows:             true,
}

// DefaultConfig returns the configuration used when no file is given and the
// content of a freshly generated file.
func DefaultConfig() *config.Config {
	return &config.Config{
		Version: Version,
		Scan: config.Scan{
			Threads:  10,
			Port:     21,
			Timeout:  5 * time.Second,
			User:     "anonymous",
			Password: "anonymous@example.com",
		},
		Mirror: config.Mirror{
			Enable:  false,
			Root:    "sledge-data",
			Workers: 1,
			Retries: 2,
		},
		Log: config.Log{
			Level: "warning",
		},
	}
}

type Application struct {
	Config     *config.Config
	ConfigFile string
	AppDir     string
	Logger     *logrus.Logger
}

// NewApp loads configFile, generating it with defaults when missing. A
// legacy .ini file next to it is converted once. An empty configFile keeps
// the defaults in memory and touches no file.
func NewApp(configFile string) (*Application, error) {
	app := &Application{Config: &config.Config{}}
	if configFile == "" {
		app.Config = DefaultConfig()
		app.Logger = logger.NewWithLogDir("")
		app.applyLogLevel()
		return app, nil
	}

	legacy := strings.TrimSuffix(configFile, filepath.Ext(configFile)) + ".ini"
	if strings.EqualFold(filepath.Ext(configFile), ".ini") {
		legacy = configFile
		configFile = strings.TrimSuffix(configFile, filepath.Ext(configFile)) + ".yaml"
	}
	app.ConfigFile = configFile
	app.AppDir = filepath.Dir(configFile)

	var err error
	switch {
	case fileExist(configFile):
		err = app.loadConfigFile()
	case fileExist(legacy):
		err = app.transformConfigFile(legacy)
	default:
		err = app.generateConfigFile()
	}
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (r *Application) transformConfigFile(legacy string) error {
	cfg, err := ini.LoadSources(iniOptions, legacy)
	if err != nil {
		return errors.Wrap(err, "can't open config file")
	}
	if err = cfg.MapTo(r.Config); err != nil {
		return errors.Wrap(err, "can't map config file")
	}
	if err := r.WriteConfig(r.Config); err != nil {
		return err
	}
	r.Logger = logger.NewWithLogDir(r.Config.Log.Dir)
	r.applyLogLevel()
	if err := os.Remove(legacy); err != nil {
		r.Logger.WithError(err).Warn("can't remove legacy config file")
	}
	r.Logger.WithField("from", legacy).WithField("to", r.ConfigFile).Info("config file converted")
	return r.loadConfigFile()
}

func (r *Application) loadConfigFile() error {
	readData, err := os.ReadFile(r.ConfigFile)
	if err != nil {
		return errors.Wrap(err, "can't read config file")
	}
	if err := yaml.Unmarshal(readData, r.Config); err != nil {
		return errors.Wrap(err, "can't parse config file")
	}
	defaults := DefaultConfig()
	var needUpdate = false
	if r.Config.Scan.Threads <= 0 {
		r.Config.Scan.Threads = defaults.Scan.Threads
		needUpdate = true
	}
	if r.Config.Scan.Port <= 0 || r.Config.Scan.Port > 65535 {
		r.Config.Scan.Port = defaults.Scan.Port
		needUpdate = true
	}
	if r.Config.Scan.Timeout <= 0 {
		r.Config.Scan.Timeout = defaults.Scan.Timeout
		needUpdate = true
	}
	if r.Config.Scan.User == "" {
		r.Config.Scan.User = defaults.Scan.User
		r.Config.Scan.Password = defaults.Scan.Password
		needUpdate = true
	}
	if r.Config.Mirror.Root == "" {
		r.Config.Mirror.Root = defaults.Mirror.Root
		needUpdate = true
	}
	if r.Config.Mirror.Workers <= 0 {
		r.Config.Mirror.Workers = defaults.Mirror.Workers
		needUpdate = true
	}
	if r.Config.Mirror.Retries < 0 {
		r.Config.Mirror.Retries = 0
		needUpdate = true
	}
	if r.Config.Log.Level == "" {
		r.Config.Log.Level = defaults.Log.Level
		needUpdate = true
	}
	r.Logger = logger.NewWithLogDir(r.Config.Log.Dir)
	r.applyLogLevel()

	currentVersion, _ := version.NewVersion(Version)
	configFileVersion, err := version.NewVersion(r.Config.Version)
	if err != nil || currentVersion.GreaterThan(configFileVersion) {
		r.Logger.WithField("from", r.Config.Version).WithField("to", Version).Info("config file upgraded")
		r.Config.Version = Version
		needUpdate = true
	}

	if needUpdate {
		if err := r.WriteConfig(r.Config); err != nil {
			return err
		}
	}
	return nil
}

func (r *Application) generateConfigFile() error {
	defaultConfig := DefaultConfig()
	defaultConfig.Log.Dir = filepath.Join(r.AppDir, "log")

	r.Config = defaultConfig
	r.Logger = logger.NewWithLogDir(defaultConfig.Log.Dir)
	r.applyLogLevel()
	r.Logger.Info("config file not found, generating default config file...")

	if err := r.WriteConfig(defaultConfig); err != nil {
		return errors.Wrap(err, "can't generate default config file")
	}
	r.Logger.Info("generate default config file successfully, locate at " + r.ConfigFile)
	return nil
}

func (r *Application) WriteConfig(conf *config.Config) error {
	bytes, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.ConfigFile), 0o755); err != nil {
		return errors.Wrap(err, "can't create config directory")
	}
	return os.WriteFile(r.ConfigFile, bytes, 0o644)
}

func (r *Application) applyLogLevel() {
	r.Logger.SetLevel(logger.ParseLevel(r.Config.Log.Level))
}

func fileExist(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
