package main

import (
	"github.com/nanoflow/nanoflow/pkg/executor"
	"github.com/nanoflow/nanoflow/pkg/log"
	"github.com/nanoflow/nanoflow/pkg/utils"
	"github.com/spf13/viper"
)

type TaskDef struct {
	// Task name, also used to derive backend job names.
	Name string `mapstructure:"name"`

	// The shell script to execute.
	Script string `mapstructure:"script"`

	// Optional text piped to the task's standard input.
	Stdin string `mapstructure:"stdin"`

	// Per task execution options.
	Config executor.TaskConfig `mapstructure:"config"`
}

type PipelineConfig struct {
	Tasks []TaskDef `mapstructure:"tasks"`
}

type Config struct {
	// Base directory for task work folders.
	WorkDir string `mapstructure:"workdir"`

	// Address to serve HTTP metrics on. Disabled when empty.
	ListenHttp string `mapstructure:"listen_http"`

	// The tasks to execute.
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

func LoadConfig() (*Config, error) {
	config := &Config{}

	err := utils.UnmarshalConfig(*viper.GetViper(), config)
	if err != nil {
		return nil, err
	}

	if config.WorkDir == "" {
		config.WorkDir = "work"
	}

	return config, nil
}

func (c *Config) Log() {
	log.Info("Configuration:")
	log.Infof("  workdir = %s", c.WorkDir)
	log.Infof("  listen_http = %s", c.ListenHttp)
	log.Infof("  tasks = %d", len(c.Pipeline.Tasks))
}
