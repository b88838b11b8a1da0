package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the resolved invocation configuration. Precedence is flags
// over PTOOL_* environment variables over the optional config file over
// defaults.
type Config struct {
	// StorePath is the directory holding the token store database.
	StorePath string `mapstructure:"store-path"`

	// Device is the trust anchor character device.
	Device string `mapstructure:"device"`

	Verbose bool `mapstructure:"verbose"`
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".tpm2_pkcs11")
}

func initConfig() {
	viper.SetDefault("store-path", defaultStorePath())
	viper.SetDefault("device", "/dev/tpmrm0")
	viper.SetDefault("verbose", false)

	viper.SetEnvPrefix("PTOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("ptool")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config"))
	}
	// A missing config file is the normal case.
	_ = viper.ReadInConfig()
}

func getConfig() (*Config, error) {
	var conf Config
	if err := viper.Unmarshal(&conf); err != nil {
		return nil, err
	}
	return &conf, nil
}
