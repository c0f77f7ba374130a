package main

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/concrnt/ccworld-ap-relay/types"
)

type Config struct {
	Relay    types.RelayConfig `yaml:"relay"`
	Server   Server            `yaml:"server"`
	NodeInfo types.NodeInfo    `yaml:"nodeInfo"`
}

type Server struct {
	Driver        string `yaml:"driver"`
	Dsn           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
	LogLevel      string `yaml:"logLevel"`
}

// LoadConfig reads the yaml files in order, each one overriding the keys it
// sets. ${VAR} references are expanded from the environment.
func LoadConfig(paths []string) (Config, error) {
	var config Config
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read %s", path)
		}

		decoder := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
		err = decoder.Decode(&config)
		if err != nil && !errors.Is(err, io.EOF) {
			return Config{}, errors.Wrapf(err, "parse %s", path)
		}
	}

	if config.Server.Driver == "" {
		config.Server.Driver = "postgres"
	}
	config.Relay = config.Relay.WithDefaults()
	return config, config.Validate()
}

func (c Config) Validate() error {
	if c.Relay.Hostname == "" {
		return errors.New("relay.hostname is required")
	}
	if c.Relay.PrivateKey == "" {
		return errors.New("relay.privateKey is required")
	}
	switch c.Server.Driver {
	case "postgres", "sqlite":
	default:
		return errors.Errorf("unknown server.driver %q", c.Server.Driver)
	}
	if c.Server.Dsn == "" {
		return errors.New("server.dsn is required")
	}
	return nil
}
