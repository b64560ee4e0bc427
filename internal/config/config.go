// Package config holds the runtime configuration container for tether.
package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

type Config struct {
	LogLevel             string `mapstructure:"log_level"`
	LogFormat            string `mapstructure:"log_format"`
	TranscriptDir        string `mapstructure:"transcript_dir"`
	DefaultPrompt        string `mapstructure:"default_prompt"`
	ExpectTimeoutSeconds int    `mapstructure:"expect_timeout_seconds"`
	RespawnDelaySeconds  int    `mapstructure:"respawn_delay_seconds"`
	TimerSlots           int    `mapstructure:"timer_slots"`
	SSHPath              string `mapstructure:"ssh_path"`
	SCPPath              string `mapstructure:"scp_path"`
	KeygenPath           string `mapstructure:"keygen_path"`
	KeyscanPath          string `mapstructure:"keyscan_path"`
	SSHConfigFile        string `mapstructure:"ssh_config_file"`
}

func Default() *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		TranscriptDir:        filepath.Join(os.TempDir(), "tether"),
		DefaultPrompt:        "$",
		ExpectTimeoutSeconds: 90,
		RespawnDelaySeconds:  1,
		TimerSlots:           32,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tether")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TETHER")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("transcript_dir", cfg.TranscriptDir)
	viper.Set("default_prompt", cfg.DefaultPrompt)
	viper.Set("expect_timeout_seconds", cfg.ExpectTimeoutSeconds)
	viper.Set("respawn_delay_seconds", cfg.RespawnDelaySeconds)
	viper.Set("timer_slots", cfg.TimerSlots)
	viper.Set("ssh_path", cfg.SSHPath)
	viper.Set("scp_path", cfg.SCPPath)
	viper.Set("keygen_path", cfg.KeygenPath)
	viper.Set("keyscan_path", cfg.KeyscanPath)
	viper.Set("ssh_config_file", cfg.SSHConfigFile)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "tether.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	return os.Chmod(cfgPath, 0600)
}

func configDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "tether")
	}
	return "/etc/tether"
}
