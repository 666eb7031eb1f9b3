package main

import (
	"os"

	"github.com/spf13/cobra"

	"ndk-tracker-go/internal/config"
	"ndk-tracker-go/internal/logger"
)

type rootFlags struct {
	configPath string
	envFile    string
	overrides  map[string]*string
}

func main() {
	log := logger.New()
	if err := newRootCmd(log).Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func newRootCmd(log *logger.Logger) *cobra.Command {
	f := &rootFlags{overrides: map[string]*string{}}

	root := &cobra.Command{
		Use:           "ndk-tracker",
		Short:         "Caregiver observation logger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, f, log)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "YAML config file (default $NDK_CONFIG or ./config.yaml)")
	pf.StringVar(&f.envFile, "env-file", "", "dotenv file loaded before the environment is read (default .env)")
	for flag, key := range map[string]string{
		"data-dir": config.KeyDataDir,
		"store":    config.KeyStoreDriver,
		"backend":  config.KeyLLMBackend,
		"model":    config.KeyLLMModel,
	} {
		f.overrides[key] = pf.String(flag, "", "overrides "+key)
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, f, log)
		},
	}
	sf := serve.Flags()
	for flag, key := range map[string]string{
		"addr":       config.KeyHTTPAddr,
		"https-addr": config.KeyHTTPSAddr,
		"tls-cert":   config.KeyTLSCertFile,
		"tls-key":    config.KeyTLSKeyFile,
	} {
		f.overrides[key] = sf.String(flag, "", "overrides "+key)
	}

	root.AddCommand(serve, newExportCmd(f, log), newModelsCmd(f, log), newConfigCmd(f))
	return root
}

func (f *rootFlags) load() (*config.Config, error) {
	over := make(map[string]string, len(f.overrides))
	for k, v := range f.overrides {
		if v != nil && *v != "" {
			over[k] = *v
		}
	}
	return config.Load(config.Options{
		ConfigPath: f.configPath,
		EnvFile:    f.envFile,
		Overrides:  over,
	})
}
