package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/snapflowio/pgcdc/checkpoint"
	"github.com/snapflowio/pgcdc/logger"
	"github.com/snapflowio/pgcdc/publication"
	"github.com/snapflowio/pgcdc/slot"
	"github.com/spf13/viper"
)

const EnvPrefix = "PGCDC"

// NewViper returns a viper instance bound to PGCDC_* environment variables, e.g. PGCDC_REPLICATION_SLOT_NAME.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 5432)
	v.SetDefault("replication.method", string(MethodCDC))
	v.SetDefault("replication.initial_wait_seconds", int(DefaultInitialWait/time.Second))
	v.SetDefault("replication.create_slot", true)
	v.SetDefault("replication.create_publication", false)
	v.SetDefault("replication.drop_slot_on_close", false)
	v.SetDefault("checkpoint.driver", checkpoint.DriverFile)
	v.SetDefault("log_level", "info")
	return v
}

// Load reads path (YAML) when given, overlays the environment and returns a defaulted config. It does not validate.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var missing viper.ConfigFileNotFoundError
			if !errors.As(err, &missing) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	level, err := logger.ParseLevel(v.GetString("log_level"))
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}

	tables, err := publicationTables(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:     v.GetString("host"),
		Port:     v.GetInt("port"),
		Database: v.GetString("database"),
		Username: v.GetString("username"),
		Password: v.GetString("password"),
		Tables:   stringList(v, "tables"),
		Schemas:  stringList(v, "schemas"),
		Replication: ReplicationConfig{
			Method:         Method(v.GetString("replication.method")),
			InitialWait:    time.Duration(v.GetInt("replication.initial_wait_seconds")) * time.Second,
			QueueSize:      v.GetInt("replication.queue_size"),
			StatusInterval: v.GetDuration("replication.status_interval"),
			BatchSize:      v.GetInt("replication.batch_size"),
			FlushInterval:  v.GetDuration("replication.flush_interval"),
			ExitWhenIdle:   v.GetBool("replication.exit_when_idle"),
		},
		Snapshot: SnapshotConfig{
			PageSize: v.GetInt("snapshot.page_size"),
		},
		Checkpoint: checkpoint.Config{
			Driver: v.GetString("checkpoint.driver"),
			Path:   v.GetString("checkpoint.path"),
			Table:  v.GetString("checkpoint.table"),
		},
		Heartbeat: HeartbeatConfig{
			Table:    v.GetString("heartbeat.table"),
			Interval: v.GetDuration("heartbeat.interval"),
		},
		Publication: publication.NewConfig(
			publication.WithName(v.GetString("replication.publication_name")),
			publication.WithCreateIfNotExists(v.GetBool("replication.create_publication")),
			publication.WithTables(tables),
		),
		Slot: slot.NewConfig(
			slot.WithName(v.GetString("replication.slot_name")),
			slot.WithCreateIfNotExists(v.GetBool("replication.create_slot")),
			slot.WithDropOnClose(v.GetBool("replication.drop_slot_on_close")),
			slot.WithActivityCheckInterval(v.GetDuration("replication.slot_check_interval")),
		),
		Logger: LoggerConfig{LogLevel: level},
	}

	cfg.SetDefault()
	return cfg, nil
}

// publicationTables builds the managed publication's table list from the explicit selection.
func publicationTables(v *viper.Viper) (publication.Tables, error) {
	identity := strings.ToUpper(v.GetString("replication.replica_identity"))
	if identity == "" {
		identity = publication.ReplicaIdentityFull
	}

	var tables publication.Tables
	for _, name := range stringList(v, "tables") {
		cfg := Config{Tables: []string{name}}
		ids, err := cfg.SelectedTables()
		if err != nil {
			return nil, fmt.Errorf("tables: %w", err)
		}
		tables = append(tables, publication.FromTableID(ids[0], identity))
	}
	return tables, nil
}

// stringList accepts a YAML list or a comma-separated string, which is how lists arrive from the environment.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
