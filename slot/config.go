package slot

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var slotNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,63}$`)

type Config struct {
	Name                  string
	ActivityCheckInterval time.Duration
	CreateIfNotExists     bool
	// DropOnClose drops the slot when the connector closes. The slot is never dropped otherwise.
	DropOnClose bool
}

type Option func(*Config)

func NewConfig(opts ...Option) Config {
	c := Config{}
	for _, opt := range opts {
		opt(&c)
	}

	return c
}

func WithName(name string) Option {
	return func(c *Config) {
		c.Name = name
	}
}

func WithActivityCheckInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.ActivityCheckInterval = interval
	}
}

func WithCreateIfNotExists(createIfNotExists bool) Option {
	return func(c *Config) {
		c.CreateIfNotExists = createIfNotExists
	}
}

func WithDropOnClose(drop bool) Option {
	return func(c *Config) {
		c.DropOnClose = drop
	}
}

func (c *Config) SetDefault() {
	if c.ActivityCheckInterval == 0 {
		c.ActivityCheckInterval = time.Minute
	}
}

func (c Config) Validate() error {
	var err error
	if strings.TrimSpace(c.Name) == "" {
		err = errors.Join(err, errors.New("slot name cannot be empty"))
	} else if !slotNamePattern.MatchString(c.Name) {
		err = errors.Join(err, fmt.Errorf("slot name %q may only contain lower case letters, numbers and underscores", c.Name))
	}

	if c.ActivityCheckInterval < time.Second {
		err = errors.Join(err, errors.New("slot activity check interval cannot be lower than 1s"))
	}

	return err
}
