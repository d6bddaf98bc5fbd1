package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	StorageDriverMemory = "memory"
	StorageDriverSqlite = "sqlite"
)

type Config struct {
	Server    Server    `yaml:"server" json:"server"` // configuration of the public REST server
	Name      string    `yaml:"name" json:"name"`     // used for OTEL as an application identifier
	Storage   Storage   `yaml:"storage" json:"storage"`
	Scheduler Scheduler `yaml:"scheduler" json:"scheduler"`
	Tracing   Tracing   `yaml:"tracing" json:"tracing"`
}

type Tracing struct {
	Name    string `yaml:"name" json:"name" env:"TRACING_NAME"`
	Enabled bool   `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED"`
	// Endpoint is the OTLP http trace collector.
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT" env-default:"localhost:4318"`
	// TransferHeaders are request headers copied onto spans and into the
	// request context.
	TransferHeaders []string `yaml:"transferHeaders" json:"transferHeaders" env:"TRACING_TRANSFER_HEADERS"`
}

type Server struct {
	Context string `yaml:"context" json:"context" env:"REST_API_CONTEXT" env-default:"/"`
	Addr    string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

type Storage struct {
	// Driver selects the persistence backend, "memory" or "sqlite".
	Driver string `yaml:"driver" json:"driver" env:"STORAGE_DRIVER" env-default:"memory"`
	// Path is the sqlite database file, ignored by the memory driver.
	Path string `yaml:"path" json:"path" env:"STORAGE_PATH" env-default:"leorces.db"`
}

type Scheduler struct {
	// TimerSweepCron fires due timer events and fails timed-out tasks.
	TimerSweepCron string `yaml:"timerSweepCron" json:"timerSweepCron" env:"SCHEDULER_TIMER_SWEEP_CRON" env-default:"@every 5s"`
	// CompactionCron removes terminal processes past the retention window.
	CompactionCron string `yaml:"compactionCron" json:"compactionCron" env:"SCHEDULER_COMPACTION_CRON" env-default:"@every 10m"`
	// RetentionHours is how long terminal processes stay queryable.
	RetentionHours int `yaml:"retentionHours" json:"retentionHours" env:"SCHEDULER_RETENTION_HOURS" env-default:"168"`
	// BatchSize bounds the executions and processes touched per run.
	BatchSize int `yaml:"batchSize" json:"batchSize" env:"SCHEDULER_BATCH_SIZE" env-default:"200"`
	// LeaseSeconds scopes exclusive background work across replicas.
	LeaseSeconds int `yaml:"leaseSeconds" json:"leaseSeconds" env:"SCHEDULER_LEASE_SECONDS" env-default:"30"`
}

func (c Config) defaults() Config {
	if c.Name == "" {
		c.Name = "leorces"
	}
	if c.Tracing.Name == "" {
		c.Tracing.Name = c.Name
	}
	return c
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c.defaults()
}
