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
	Name    string  `yaml:"name" json:"name" env:"APP_NAME" env-default:"flowmatic"` // used for OTEL as an application identifier
	Log     Log     `yaml:"log" json:"log"`
	Engine  Engine  `yaml:"engine" json:"engine"`
	Storage Storage `yaml:"storage" json:"storage"`
}

type Log struct {
	Level string `yaml:"level" json:"level" env:"LOG_LEVEL" env-default:"info"`
	JSON  bool   `yaml:"json" json:"json" env:"LOG_JSON"`
}

type Engine struct {
	// MaxRunningInstances caps concurrently active process instances; 0 means unbounded
	MaxRunningInstances int `yaml:"maxRunningInstances" json:"maxRunningInstances" env:"ENGINE_MAX_RUNNING_INSTANCES"`
	// DefinitionsDir is scanned for *.json process definitions to deploy at startup
	DefinitionsDir string `yaml:"definitionsDir" json:"definitionsDir" env:"ENGINE_DEFINITIONS_DIR"`
	// AutoCompensateOnFailure runs a compensation pass over every instance that fails
	AutoCompensateOnFailure bool `yaml:"autoCompensateOnFailure" json:"autoCompensateOnFailure" env:"ENGINE_AUTO_COMPENSATE_ON_FAILURE"`
	// ContinueCompensationOnFailure records a failed compensation handler and moves on instead of aborting
	ContinueCompensationOnFailure bool `yaml:"continueCompensationOnFailure" json:"continueCompensationOnFailure" env:"ENGINE_CONTINUE_COMPENSATION_ON_FAILURE"`
}

type Storage struct {
	Driver string `yaml:"driver" json:"driver" env:"STORAGE_DRIVER" env-default:"memory"`
	// SqlitePath is the database file used when driver is sqlite
	SqlitePath string `yaml:"sqlitePath" json:"sqlitePath" env:"STORAGE_SQLITE_PATH" env-default:"flowmatic.db"`
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
	return c
}
