package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vessel/internal/config"
	"vessel/internal/logging"
	"vessel/internal/version"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "vessel",
		Short: "Vessel - persistent sandboxed code execution host",
		Long: `Vessel hosts a long-lived, isolated code execution environment and
exposes it to a controlling process over MCP. Code runs in a persistent
namespace; access to the outside world goes exclusively through installed
capabilities, each gated by an explicit permission strategy.`,
		Version: version.GetVersionString(),
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/vessel/config.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(interpCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(versionCmd)

	serveCmd.Flags().Bool("embedded", false, "Run the environment in-process instead of as a subprocess")
	serveCmd.Flags().String("state-dir", "", "Directory for saved session states")
	serveCmd.Flags().String("workspace", "", "Root directory for the workspace capability")
	viper.BindPFlag("embedded", serveCmd.Flags().Lookup("embedded"))
	viper.BindPFlag("state_dir", serveCmd.Flags().Lookup("state-dir"))
	viper.BindPFlag("workspace_dir", serveCmd.Flags().Lookup("workspace"))

	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateDeleteCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetFullVersionString())
	},
}

func initConfig() {
	config.SetDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err == nil {
				configDir = filepath.Join(home, ".config")
			}
		}
		if configDir != "" {
			viper.AddConfigPath(filepath.Join(configDir, "vessel"))
			viper.SetConfigType("yaml")
			viper.SetConfigName("config")
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("VESSEL")

	if err := viper.ReadInConfig(); err == nil {
		logging.Debug("Using config file: %s", viper.ConfigFileUsed())
	}
}

func initLogging() {
	logging.Initialize(viper.GetBool("debug"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
