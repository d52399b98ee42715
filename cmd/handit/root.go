package main

import (
	"fmt"

	"github.com/handit-ai/handit-core/internal/config"
	"github.com/handit-ai/handit-core/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// flagKeys maps persistent flags onto configuration keys.
var flagKeys = map[string]string{
	"host":      "server.host",
	"port":      "server.port",
	"db":        "database.path",
	"log-level": "log.level",
	"dev":       "log.development",
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:          "handit",
		Short:        "handit - prompt optimization and auto-evaluation service",
		Version:      version.String(),
		SilenceUsage: true,
	}
	root.SetVersionTemplate("{{.Version}}\n")

	flags := root.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "handit.yaml", "config file (optional)")
	flags.String("host", "127.0.0.1", "listen host, 0.0.0.0 for LAN access")
	flags.Int("port", 8080, "listen port")
	flags.String("db", "handit.db", "SQLite database path")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("dev", false, "human readable development logging")
	for flag, key := range flagKeys {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	load := func() (*config.Config, error) {
		return config.Load(v, cfgFile)
	}
	root.AddCommand(newServeCmd(load), newOptimizeCmd(load), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
