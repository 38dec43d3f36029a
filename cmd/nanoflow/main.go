package main

import (
	"os"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/nanoflow/nanoflow/pkg/executor"
	"github.com/nanoflow/nanoflow/pkg/log"
	"github.com/nanoflow/nanoflow/pkg/session"
	"github.com/nanoflow/nanoflow/pkg/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "nanoflow",
	Short: "Task execution engine for directed pipelines of shell tasks",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetEnvPrefix("nanoflow")
		viper.AutomaticEnv()

		viper.SetConfigName("nanoflow.yaml")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/nanoflow/")
		viper.AddConfigPath("$HOME/.config/nanoflow")
		viper.AddConfigPath(".")

		viper.ReadInConfig()

		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			panic(err)
		}

		switch {
		case verbosity >= 2:
			log.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			log.SetLevel(log.DebugLevel)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		config, err := LoadConfig()
		if err != nil {
			log.Fatal(err)
		}
		config.Log()

		fs := utils.NewOsFs()

		sess, err := session.NewSession(fs, session.ExpandUser(config.WorkDir), viper.AllSettings())
		if err != nil {
			log.Fatal(err)
		}
		defer sess.Shutdown()

		exec := createExecutor(sess, viper.GetString("executor_name"))

		if config.ListenHttp != "" {
			go serveHttp(exec, config.ListenHttp)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		failures := 0

		exec.Monitor().OnComplete(func(handler executor.TaskHandler) {
			task := handler.Task()
			if task.ExitStatus != 0 || task.Err != nil {
				log.Errorf("Task %s failed with exit status %d", task.Name, task.ExitStatus)
				mu.Lock()
				failures++
				mu.Unlock()
			} else {
				log.Infof("Task %s completed", task.Name)
			}
			wg.Done()
		})

		for _, def := range config.Pipeline.Tasks {
			task := &executor.TaskRun{
				Name:   def.Name,
				Type:   executor.ShellTask,
				Script: def.Script,
				Stdin:  []byte(def.Stdin),
			}

			hash, err := task.ContentHash()
			if err != nil {
				log.Fatal(err)
			}

			task.WorkDir = sess.TaskWorkDir(hash)
			if err := fs.MkdirAll(task.WorkDir, 0755); err != nil {
				log.Fatal(err)
			}

			taskConfig := def.Config
			if taskConfig.Name == "" {
				taskConfig.Name = def.Name
			}

			wg.Add(1)
			if _, err := exec.Execute(task, &taskConfig); err != nil {
				wg.Done()
				log.Errorf("Task %s: %v", def.Name, err)
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}

		wg.Wait()
		sess.Shutdown()

		if failures > 0 {
			log.Errorf("%d task(s) failed", failures)
			os.Exit(1)
		}
	},
}

func createExecutor(sess *session.Session, name string) executor.Executor {
	switch name {
	case "sge":
		return executor.NewSgeExecutor(sess)
	case "", "local":
		return executor.NewLocalExecutor(sess)
	default:
		log.Fatalf("Unknown executor: %s", name)
		return nil
	}
}

func serveHttp(exec executor.Executor, uri string) {
	r := echo.New()
	r.HideBanner = true
	r.Use(utils.HttpLogger)

	executor.NewHttpHandler([]executor.Executor{exec}, r)

	log.Info("Serving HTTP metrics on", uri)
	if err := r.Start(uri); err != nil {
		log.Error(err)
	}
}

func main() {
	rootCmd.Flags().StringP("workdir", "w", "work", "Base directory for task work folders")
	rootCmd.Flags().StringP("executor", "e", "local", "Executor backend (local, sge)")
	rootCmd.Flags().String("listen-http", "", "Address to serve HTTP metrics on")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("workdir", rootCmd.Flags().Lookup("workdir"))
	viper.BindPFlag("executor_name", rootCmd.Flags().Lookup("executor"))
	viper.BindPFlag("listen_http", rootCmd.Flags().Lookup("listen-http"))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
