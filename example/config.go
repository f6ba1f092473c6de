// Package example contains a minimal subscriber daemon showing how the
// pieces fit together; see subscriber/main.go.
package example

import (
	"strings"

	"github.com/luno/jettison/errors"
	"github.com/spf13/viper"
)

// Config configures the example subscriber daemon.
type Config struct {
	DB           DBConfig           `mapstructure:"db"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
}

type DBConfig struct {
	URI string `mapstructure:"uri"`
}

type SubscriptionConfig struct {
	Stream    string `mapstructure:"stream"`
	Name      string `mapstructure:"name"`
	BufferMax int    `mapstructure:"buffer_max"`
}

// LoadConfig loads the daemon config from the given file, with BROOK_
// prefixed environment variables taking precedence.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("brook")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.uri", "postgres://postgres@localhost:5432/brook?sslmode=disable")
	v.SetDefault("subscription.stream", "")
	v.SetDefault("subscription.name", "example_subscriber")
	v.SetDefault("subscription.buffer_max", 1000)
}
