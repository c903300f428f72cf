package walletd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ecashwallet/walletd/build"
	"github.com/ecashwallet/walletd/merchant"
	"github.com/ecashwallet/walletd/retry"
	"github.com/ecashwallet/walletd/walletcfg"
	"github.com/ecashwallet/walletd/walletdb"
	"github.com/jessevdk/go-flags"
)

const (
	defaultDataDirname = "data"
	defaultLogDirname  = "logs"
	defaultLogFilename = "walletd.log"
	defaultLogLevel    = "info"
)

var (
	// DefaultWalletDir is the default directory where walletd keeps its
	// ledger, config and logs.
	DefaultWalletDir = btcutil.AppDataDir("walletd", false)

	// DefaultConfigFile is the default full path of walletd's
	// configuration file.
	DefaultConfigFile = filepath.Join(
		DefaultWalletDir, walletcfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultWalletDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultWalletDir, defaultLogDirname)
)

// Config defines the configuration options for walletd.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
type Config struct {
	WalletDir  string `long:"walletdir" description:"The base directory that contains walletd's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	DB *walletdb.Config `group:"db" namespace:"db"`

	HTTP *merchant.TransportConfig `group:"http" namespace:"http"`

	Retry *retry.Policy `group:"retry" namespace:"retry"`

	Scheduler *walletcfg.Scheduler `group:"scheduler" namespace:"scheduler"`

	Prometheus *walletcfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	LogConfig *build.FileLoggerConfig `group:"logging" namespace:"logging"`

	// SubLogMgr is the root logger that all the daemon's subloggers are
	// hooked up to.
	SubLogMgr *build.SubLoggerManager

	// LogRotator writes the log file. It is nil if the file is disabled.
	LogRotator *build.RotatingLogWriter
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	policy := retry.DefaultPolicy()

	return Config{
		WalletDir:  DefaultWalletDir,
		ConfigFile: DefaultConfigFile,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		DB:         walletdb.DefaultConfig(defaultDataDir),
		HTTP:       merchant.DefaultTransportConfig(),
		Retry:      &policy,
		Scheduler:  walletcfg.DefaultScheduler(),
		Prometheus: walletcfg.DefaultPrometheus(),
		LogConfig:  build.DefaultFileLoggerConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified
//     options
//  4. Parse CLI options and overwrite/add any specified options
//
// Critical log messages call requestShutdown.
func LoadConfig(requestShutdown func()) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their walletdir, then we should assume they intend to use
	// the config file within it.
	configFileDir := walletcfg.CleanAndExpandPath(preCfg.WalletDir)
	configFilePath := walletcfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultWalletDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, walletcfg.DefaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage, requestShutdown)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		wltdLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane. All file system
// paths are normalized and the loggers are set up. The cleaned up config is
// returned on success.
func ValidateConfig(cfg Config, usageMessage string,
	requestShutdown func()) (*Config, error) {

	// If the provided wallet directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	walletDir := walletcfg.CleanAndExpandPath(cfg.WalletDir)
	if walletDir != DefaultWalletDir {
		if cfg.DB.DataDir == defaultDataDir {
			cfg.DB.DataDir = filepath.Join(
				walletDir, defaultDataDirname,
			)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(walletDir, defaultLogDirname)
		}
	}

	cfg.WalletDir = walletDir
	cfg.DB.DataDir = walletcfg.CleanAndExpandPath(cfg.DB.DataDir)
	cfg.LogDir = walletcfg.CleanAndExpandPath(cfg.LogDir)

	if cfg.DB.FileName == "" {
		return nil, fmt.Errorf("db.filename must be set")
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		mgr := build.NewSubLoggerManager(&build.LogWriter{})
		SetupLoggers(mgr, func() {})
		fmt.Println("Supported subsystems",
			mgr.SupportedSubsystems())
		os.Exit(0)
	}

	err := walletcfg.Validate(
		cfg.Retry, cfg.Scheduler, cfg.Prometheus,
	)
	if err != nil {
		return nil, err
	}

	// The log file is written through a pipe into the rotator, stdout
	// gets everything as well.
	logWriter := &build.LogWriter{}
	if !cfg.LogConfig.Disable {
		cfg.LogRotator = build.NewRotatingLogWriter()
		err := cfg.LogRotator.InitLogRotator(
			cfg.LogConfig,
			filepath.Join(cfg.LogDir, defaultLogFilename),
		)
		if err != nil {
			return nil, fmt.Errorf("log rotation setup failed: %w",
				err)
		}
		logWriter.RotatorPipe = cfg.LogRotator.Pipe()
	}
	cfg.SubLogMgr = build.NewSubLoggerManager(logWriter)
	SetupLoggers(cfg.SubLogMgr, requestShutdown)

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.SubLogMgr)
	if err != nil {
		str := "error parsing debug level: %v"
		return nil, &usageError{
			err: fmt.Errorf(str, err), usage: usageMessage,
		}
	}

	return &cfg, nil
}

// usageError is a configuration error the user can fix by looking at the
// usage message.
type usageError struct {
	err   error
	usage string
}

func (e *usageError) Error() string {
	return fmt.Sprintf("%v\n%v", e.err, e.usage)
}

func (e *usageError) Unwrap() error {
	return e.err
}
