// Package config loads the application configuration.
//
// The yaml file goes through environment substitution (${VAR} and
// ${VAR:-default}) before viper reads it, so secrets never live on disk.
package config

import (
	"bytes"

	"github.com/a8m/envsubst"
	"github.com/creasty/defaults"
	"github.com/fsnotify/fsnotify"
	"github.com/leandro-lugaresi/downly-bus/rabbit"
	"github.com/leandro-lugaresi/downly-bus/runner"
	"github.com/leandro-lugaresi/downly-bus/store"
	"github.com/leandro-lugaresi/downly-bus/telegram"
	"github.com/leandro-lugaresi/hub"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	yaml "gopkg.in/yaml.v2"
)

type (
	// Config is the whole application configuration.
	Config struct {
		Development bool                     `mapstructure:"development" yaml:"development"`
		LogLevel    string                   `mapstructure:"log_level" yaml:"log_level" default:"info"`
		RabbitMQ    rabbit.Config            `mapstructure:"rabbitmq" yaml:"rabbitmq"`
		Store       store.Config             `mapstructure:"store" yaml:"store"`
		Telegram    telegram.Config          `mapstructure:"telegram" yaml:"telegram"`
		Engines     map[string]runner.Config `mapstructure:"engines" yaml:"engines"`
		Metrics     Metrics                  `mapstructure:"metrics" yaml:"metrics"`
	}

	// Metrics configures the prometheus endpoint.
	Metrics struct {
		Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
		Addr      string `mapstructure:"addr" yaml:"addr" default:":9419"`
		Namespace string `mapstructure:"namespace" yaml:"namespace" default:"downly"`
	}
)

// Load reads the yaml file at path, expanding the environment variables first.
func Load(v *viper.Viper, path string) (Config, error) {
	raw, err := envsubst.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read the config file %s", path)
	}
	return Read(v, raw)
}

// Read decodes an already substituted yaml document.
func Read(v *viper.Viper, raw []byte) (Config, error) {
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse the config")
	}
	return Decode(v)
}

// sections are decoded one by one: viper splits keys on dots when it
// flattens the whole tree, and publisher or consumer names carry dots.
var sections = []string{"development", "log_level", "rabbitmq", "store", "telegram", "engines", "metrics"}

// Decode builds a Config from the values viper holds and fills the defaults.
func Decode(v *viper.Viper) (Config, error) {
	c := Config{}
	if err := defaults.Set(&c); err != nil {
		return c, err
	}
	settings := map[string]interface{}{}
	for _, key := range sections {
		if v.IsSet(key) {
			settings[key] = v.Get(key)
		}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &c,
	})
	if err != nil {
		return c, err
	}
	if err = decoder.Decode(settings); err != nil {
		return c, errors.Wrap(err, "failed to decode the config")
	}
	if err := rabbit.SetDefaults(&c.RabbitMQ); err != nil {
		return c, err
	}
	if err := defaults.Set(&c.Store); err != nil {
		return c, err
	}
	if err := defaults.Set(&c.Telegram); err != nil {
		return c, err
	}
	if c.Engines == nil {
		c.Engines = DefaultEngines()
	}
	for name, e := range c.Engines {
		if err := defaults.Set(&e); err != nil {
			return c, err
		}
		c.Engines[name] = e
	}
	return c, nil
}

// DefaultEngines is used when the file has no engines section.
func DefaultEngines() map[string]runner.Config {
	return map[string]runner.Config{
		"cobalt": {Type: runner.TypeHTTP, Options: runner.Options{URL: "http://localhost:9000/"}},
		"ytdl":   {Type: runner.TypeCommand, Options: runner.Options{Path: "yt-dlp", Args: []string{"-g"}}},
	}
}

// Watch reloads the file on every change and calls fn with the new config.
// Reload failures are published on the hub and the previous config stays in use.
func Watch(path string, h *hub.Hub, fn func(Config)) {
	w := viper.New()
	w.SetConfigFile(path)
	w.OnConfigChange(func(e fsnotify.Event) {
		h.Publish(hub.Message{
			Name:   "config.changed.info",
			Body:   []byte("config file changed"),
			Fields: hub.Fields{"file": e.Name, "op": e.Op.String()},
		})
		c, err := Load(viper.New(), path)
		if err != nil {
			h.Publish(hub.Message{
				Name:   "config.reload.error",
				Body:   []byte("failed to reload the config"),
				Fields: hub.Fields{"file": e.Name, "error": err},
			})
			return
		}
		fn(c)
	})
	w.WatchConfig()
}

// Print renders the config as yaml. Secrets are masked.
func Print(c Config) ([]byte, error) {
	c.RabbitMQ.Connection.Password = mask(c.RabbitMQ.Connection.Password)
	c.Telegram.Token = mask(c.Telegram.Token)
	return yaml.Marshal(c)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "******"
}
