package cfg

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/caarlos0/env/v6"
	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDatabase        = "mailsync.db"
	DefaultLogLevel        = "info"
	DefaultRefreshSchedule = "@every 5m"
	DefaultWorkers         = 4
)

type Config struct {
	Database        string             `yaml:"database" env:"MAILSYNC_DB"`
	LogLevel        string             `yaml:"logLevel" env:"MAILSYNC_LOG_LEVEL"`
	RefreshSchedule string             `yaml:"refreshSchedule" env:"MAILSYNC_REFRESH"`
	Workers         int                `yaml:"workers" env:"MAILSYNC_WORKERS"`
	Accounts        map[string]Account `yaml:"accounts"`
}

type Account struct {
	Type                entity.AccountType `yaml:"type"`
	ServerURL           string             `yaml:"serverURL"`
	Username            string             `yaml:"username"`
	Password            string             `yaml:"password"`
	Root                string             `yaml:"root"`
	NoTLS               bool               `yaml:"noTLS"`
	SkipTLSVerification bool               `yaml:"skipTLSVerification"`
	// RateLimit of message downloads in bytes per second
	RateLimit float64 `yaml:"rateLimit"`
	Disabled  bool    `yaml:"disabled"`
}

func (a Account) Credentials() entity.Credentials {
	return entity.Credentials{
		Username: a.Username,
		Password: a.Password,
	}
}

func (a Account) ConnInfo() entity.ConnInfo {
	return entity.ConnInfo{
		ServerURL:           a.ServerURL,
		Root:                a.Root,
		NoTLS:               a.NoTLS,
		SkipTLSVerification: a.SkipTLSVerification,
		RateLimit:           a.RateLimit,
	}
}

func newConfig() *Config {
	return &Config{
		Database:        DefaultDatabase,
		LogLevel:        DefaultLogLevel,
		RefreshSchedule: DefaultRefreshSchedule,
		Workers:         DefaultWorkers,
		Accounts:        make(map[string]Account),
	}
}

// LoadFromFile loads the configuration from the file. The environment overrides the file.
func LoadFromFile(fileName string) (*Config, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	return Load(file)
}

// Load reads the configuration from a io.ReadCloser, then applies the environment.
func Load(reader io.ReadCloser) (*Config, error) {
	defer reader.Close()
	decoder := yaml.NewDecoder(reader)
	config := newConfig()
	err := decoder.Decode(config)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("cannot decode configuration: %w", err)
	}
	if config.Accounts == nil {
		config.Accounts = make(map[string]Account)
	}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadEnvFiles loads the variables of the files into the environment. Missing files are ignored,
// and variables already set are kept.
func LoadEnvFiles(fileNames ...string) error {
	for _, fileName := range fileNames {
		err := godotenv.Load(fileName)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load %s: %w", fileName, err)
		}
	}
	return nil
}

// Validate returns the first problem found, accounts in name order.
func Validate(config *Config) error {
	if config.Database == "" {
		return errors.New("missing database file name")
	}
	if config.Workers < 1 {
		return fmt.Errorf("invalid number of workers: %d", config.Workers)
	}
	for _, name := range config.AccountNames() {
		if err := validateAccount(config.Accounts[name]); err != nil {
			return fmt.Errorf("account %q: %w", name, err)
		}
	}
	return nil
}

func validateAccount(account Account) error {
	switch account.Type {
	case entity.TypeIMAP:
		if account.ServerURL == "" {
			return errors.New("missing serverURL")
		}
		if account.Username == "" {
			return errors.New("missing username")
		}
	case entity.TypeMaildir:
		if account.Root == "" {
			return errors.New("missing root directory")
		}
	default:
		return fmt.Errorf("%w: %q", lib.ErrUnknownAccountType, account.Type)
	}
	if account.RateLimit < 0 {
		return fmt.Errorf("invalid rate limit: %v", account.RateLimit)
	}
	return nil
}

// AccountNames returns the names of the accounts, sorted.
func (c *Config) AccountNames() []string {
	names := make([]string, 0, len(c.Accounts))
	for name := range c.Accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
