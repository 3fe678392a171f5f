package opscope

import (
	"errors"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration, loaded from a
// YAML file with secret fields overridable from the
// environment.
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	WebListenAddr string        `yaml:"web_listen_addr"`
	TLSCert       string        `yaml:"tls_cert"`
	TLSKey        string        `yaml:"tls_key"`
	Plaintext     bool          `yaml:"plaintext"`
	PresharedKey  string        `yaml:"preshared_key"`
	DatabasePath  string        `yaml:"database_path"`
	Remote        ConnectConfig `yaml:"remote"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:    "127.0.0.1:9098",
		WebListenAddr: "127.0.0.1:9099",
		Plaintext:     true,
		DatabasePath:  "opscope.db",
	}
}

// LoadConfig reads the YAML file at path, falling back to
// defaults if the file does not exist. OPSCOPE_PRESHARED_KEY
// and OPSCOPE_REMOTE_PASSWORD override their file values so
// secrets can stay out of the config file.
func LoadConfig(path string) (Config, error) {
	config := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return config, err
		}
	} else {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return config, err
		}
	}
	applyEnvOverrides(&config)
	return config, nil
}

func applyEnvOverrides(config *Config) {
	if key := os.Getenv("OPSCOPE_PRESHARED_KEY"); key != "" {
		config.PresharedKey = key
	}
	if password := os.Getenv("OPSCOPE_REMOTE_PASSWORD"); password != "" {
		config.Remote.Password = password
	}
}
