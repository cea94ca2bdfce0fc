package config

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".gdbsmoke"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// DialTimeout is the number of seconds to wait for the stub to accept
	// our connection before the run is treated as not applicable.
	DialTimeout *int `yaml:"dial-timeout,omitempty"`

	// MaxTransmitAttempts is the maximum number of times a packet is
	// retransmitted after a bad checksum before giving up.
	MaxTransmitAttempts *int `yaml:"max-transmit-attempts,omitempty"`

	// MaxLineSteps is the maximum number of single instruction steps
	// performed while looking for the next source line.
	MaxLineSteps *int `yaml:"max-line-steps,omitempty"`

	// DisableColors disables ANSI colors on PASS/FAIL output even when
	// standard output is a terminal.
	DisableColors bool `yaml:"disable-colors"`
}

const (
	defaultDialTimeout         = 10
	defaultMaxTransmitAttempts = 5
	defaultMaxLineSteps        = 2048
)

// DialTimeoutOrDefault returns the configured dial timeout in seconds.
func (c *Config) DialTimeoutOrDefault() int {
	if c.DialTimeout == nil || *c.DialTimeout <= 0 {
		return defaultDialTimeout
	}
	return *c.DialTimeout
}

// MaxTransmitAttemptsOrDefault returns the configured retransmit limit.
func (c *Config) MaxTransmitAttemptsOrDefault() int {
	if c.MaxTransmitAttempts == nil || *c.MaxTransmitAttempts <= 0 {
		return defaultMaxTransmitAttempts
	}
	return *c.MaxTransmitAttempts
}

// MaxLineStepsOrDefault returns the configured line step budget.
func (c *Config) MaxLineStepsOrDefault() int {
	if c.MaxLineSteps == nil || *c.MaxLineSteps <= 0 {
		return defaultMaxLineSteps
	}
	return *c.MaxLineSteps
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	return loadConfigFile(f)
}

// LoadConfigFrom populates a Config object from an explicitly given path,
// used by the --config flag. Unlike LoadConfig a missing file is an error.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return loadConfigFile(f), nil
}

func loadConfigFile(f *os.File) *Config {
	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	f.Seek(0, io.SeekStart)
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the gdbsmoke stub smoke tester.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Number of seconds to wait for the remote stub to accept the connection.
# A refused or timed out connection makes the run a skip, not a failure.
# dial-timeout: 10

# Number of times a packet is retransmitted after a bad checksum.
# max-transmit-attempts: 5

# Maximum number of single instruction steps performed while looking for
# the next source line.
# max-line-steps: 2048

# Disable ANSI colors on PASS/FAIL output.
# disable-colors: false
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
