package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/snapflowio/pgcdc/catalog"
	"github.com/snapflowio/pgcdc/checkpoint"
	"github.com/snapflowio/pgcdc/logger"
	"github.com/snapflowio/pgcdc/publication"
	"github.com/snapflowio/pgcdc/slot"
)

type Method string

const (
	MethodCDC          Method = "cdc"
	MethodSnapshotOnly Method = "snapshot-only"
)

type Config struct {
	Host     string
	Username string
	Password string
	Database string
	Port     int

	// Tables lists "schema.table" names; Schemas selects every ordinary table in each schema.
	Tables  []string
	Schemas []string

	Replication ReplicationConfig
	Snapshot    SnapshotConfig
	Checkpoint  checkpoint.Config
	Heartbeat   HeartbeatConfig
	Publication publication.Config
	Slot        slot.Config
	Logger      LoggerConfig
}

type ReplicationConfig struct {
	Method Method
	// InitialWait is how long the stream may stay silent after opening before the source counts as idle.
	InitialWait    time.Duration
	QueueSize      int
	StatusInterval time.Duration
	BatchSize      int
	FlushInterval  time.Duration
	ExitWhenIdle   bool
}

type SnapshotConfig struct {
	PageSize int
}

type HeartbeatConfig struct {
	// Table is "schema.table"; empty disables the heartbeat.
	Table    string
	Interval time.Duration
}

type LoggerConfig struct {
	LogLevel logrus.Level
}

const (
	DefaultInitialWait    = 5 * time.Minute
	DefaultQueueSize      = 1_000
	DefaultStatusInterval = 10 * time.Second
	DefaultBatchSize      = 500
	DefaultFlushInterval  = 5 * time.Second
	DefaultPageSize       = 8_000
	DefaultHeartbeat      = 10 * time.Second
)

type Option func(*Config)

func NewConfig(opts ...Option) *Config {
	c := &Config{}
	for _, opt := range opts {
		opt(c)
	}
	c.SetDefault()
	return c
}

func WithDSN(dsn string) Option {
	return func(c *Config) {
		parsedURL, err := url.Parse(dsn)
		if err != nil {
			return
		}

		c.Host = parsedURL.Hostname()
		if parsedURL.Port() != "" {
			port := 5432
			if _, err := fmt.Sscanf(parsedURL.Port(), "%d", &port); err == nil {
				c.Port = port
			}
		}

		if parsedURL.User != nil {
			c.Username = parsedURL.User.Username()
			if password, ok := parsedURL.User.Password(); ok {
				c.Password = password
			}
		}

		c.Database = strings.TrimPrefix(parsedURL.Path, "/")
	}
}

func WithHost(host string) Option {
	return func(c *Config) {
		c.Host = host
	}
}

func WithPort(port int) Option {
	return func(c *Config) {
		c.Port = port
	}
}

func WithUsername(username string) Option {
	return func(c *Config) {
		c.Username = username
	}
}

func WithPassword(password string) Option {
	return func(c *Config) {
		c.Password = password
	}
}

func WithDatabase(database string) Option {
	return func(c *Config) {
		c.Database = database
	}
}

func WithTables(tables ...string) Option {
	return func(c *Config) {
		c.Tables = tables
	}
}

func WithSchemas(schemas ...string) Option {
	return func(c *Config) {
		c.Schemas = schemas
	}
}

func WithMethod(method Method) Option {
	return func(c *Config) {
		c.Replication.Method = method
	}
}

func WithInitialWait(wait time.Duration) Option {
	return func(c *Config) {
		c.Replication.InitialWait = wait
	}
}

func WithExitWhenIdle(exit bool) Option {
	return func(c *Config) {
		c.Replication.ExitWhenIdle = exit
	}
}

func WithReplication(replicationConfig ReplicationConfig) Option {
	return func(c *Config) {
		c.Replication = replicationConfig
	}
}

func WithSnapshot(snapshotConfig SnapshotConfig) Option {
	return func(c *Config) {
		c.Snapshot = snapshotConfig
	}
}

func WithCheckpoint(checkpointConfig checkpoint.Config) Option {
	return func(c *Config) {
		c.Checkpoint = checkpointConfig
	}
}

func WithPublication(pubConfig publication.Config) Option {
	return func(c *Config) {
		c.Publication = pubConfig
	}
}

func WithSlot(slotConfig slot.Config) Option {
	return func(c *Config) {
		c.Slot = slotConfig
	}
}

func WithHeartbeat(heartbeatConfig HeartbeatConfig) Option {
	return func(c *Config) {
		c.Heartbeat = heartbeatConfig
	}
}

func WithLogLevel(level logrus.Level) Option {
	return func(c *Config) {
		c.Logger.LogLevel = level
	}
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", url.QueryEscape(c.Username), url.QueryEscape(c.Password), c.Host, c.Port, c.Database)
}

func (c *Config) ReplicationDSN() string {
	return c.DSN() + "?replication=database"
}

func (c *Config) SetDefault() {
	if c.Port == 0 {
		c.Port = 5432
	}

	if c.Logger.LogLevel == 0 {
		c.Logger.LogLevel = logrus.InfoLevel
	}

	r := &c.Replication
	if r.Method == "" {
		r.Method = MethodCDC
	}
	if r.InitialWait == 0 {
		r.InitialWait = DefaultInitialWait
	}
	if r.QueueSize == 0 {
		r.QueueSize = DefaultQueueSize
	}
	if r.StatusInterval == 0 {
		r.StatusInterval = DefaultStatusInterval
	}
	if r.BatchSize == 0 {
		r.BatchSize = DefaultBatchSize
	}
	if r.FlushInterval == 0 {
		r.FlushInterval = DefaultFlushInterval
	}

	if c.Snapshot.PageSize == 0 {
		c.Snapshot.PageSize = DefaultPageSize
	}

	if c.Heartbeat.Table != "" && c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = DefaultHeartbeat
	}

	if len(c.Tables) == 0 && len(c.Schemas) == 0 {
		c.Schemas = []string{"public"}
	}

	c.Checkpoint.SetDefault()
	c.Publication.SetDefault()
	c.Slot.SetDefault()
}

func (c *Config) IsSnapshotOnly() bool {
	return c.Replication.Method == MethodSnapshotOnly
}

// SelectedTables parses the explicit table list.
func (c *Config) SelectedTables() ([]catalog.TableID, error) {
	ids := make([]catalog.TableID, 0, len(c.Tables))
	for _, name := range c.Tables {
		id, err := catalog.ParseTableID(name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Config) Validate() error {
	var err error
	if isEmpty(c.Host) {
		err = errors.Join(err, errors.New("host cannot be empty"))
	}

	if isEmpty(c.Username) {
		err = errors.Join(err, errors.New("username cannot be empty"))
	}

	if isEmpty(c.Database) {
		err = errors.Join(err, errors.New("database cannot be empty"))
	}

	if c.Port <= 0 || c.Port > 65535 {
		err = errors.Join(err, fmt.Errorf("port %d is out of range", c.Port))
	}

	switch c.Replication.Method {
	case MethodCDC, MethodSnapshotOnly:
	default:
		err = errors.Join(err, fmt.Errorf("replication.method must be %q or %q", MethodCDC, MethodSnapshotOnly))
	}

	if _, tErr := c.SelectedTables(); tErr != nil {
		err = errors.Join(err, tErr)
	}

	if c.Replication.InitialWait < 0 {
		err = errors.Join(err, errors.New("replication.initial_wait_seconds cannot be negative"))
	}
	if c.Replication.QueueSize <= 0 {
		err = errors.Join(err, errors.New("replication.queue_size must be greater than 0"))
	}
	if c.Replication.BatchSize <= 0 {
		err = errors.Join(err, errors.New("replication.batch_size must be greater than 0"))
	}
	if c.Replication.FlushInterval <= 0 {
		err = errors.Join(err, errors.New("replication.flush_interval must be greater than 0"))
	}
	if c.Replication.StatusInterval < time.Second {
		err = errors.Join(err, errors.New("replication.status_interval cannot be lower than 1s"))
	}

	if c.Snapshot.PageSize <= 0 {
		err = errors.Join(err, errors.New("snapshot.page_size must be greater than 0"))
	}

	if cErr := c.Checkpoint.Validate(); cErr != nil {
		err = errors.Join(err, cErr)
	}

	if cErr := c.Slot.Validate(); cErr != nil {
		err = errors.Join(err, cErr)
	}

	if !c.IsSnapshotOnly() {
		if cErr := c.Publication.Validate(); cErr != nil {
			err = errors.Join(err, cErr)
		}
	}

	if !isEmpty(c.Heartbeat.Table) {
		if _, hErr := catalog.ParseTableID(c.Heartbeat.Table); hErr != nil {
			err = errors.Join(err, fmt.Errorf("heartbeat.table: %w", hErr))
		}
		if c.Heartbeat.Interval < 100*time.Millisecond {
			err = errors.Join(err, errors.New("heartbeat.interval cannot be lower than 100ms"))
		}
	}

	return err
}

// Print logs the effective configuration without credentials.
func (c *Config) Print() {
	logger.Info("[config] loaded",
		"host", c.Host, "port", c.Port, "database", c.Database, "username", c.Username,
		"method", c.Replication.Method, "slot", c.Slot.Name, "publication", c.Publication.Name,
		"tables", c.Tables, "schemas", c.Schemas, "checkpoint", c.Checkpoint.Driver)
}

func isEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
