package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/nrtmkeys/internal/config"
	"github.com/dropDatabas3/nrtmkeys/internal/observability/logger"

	// registra los adapters del key store vía init()
	_ "github.com/dropDatabas3/nrtmkeys/internal/store/adapters/dal"
)

const serviceName = "nrtmkeys"

// version se fija en build con -ldflags "-X main.version=..."
var version = "dev"

type globalFlags struct {
	configPath string
	envFile    string
	out        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{out: "text"}
	var cfg *config.Config

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Rotación de claves de firma NRTMv4",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv("NRTMKEYS_CONFIG"), "ruta a config.yaml (env NRTMKEYS_CONFIG)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "ruta a .env (se ignora si no existe)")
	root.PersistentFlags().StringVar(&g.out, "out", g.out, "formato de salida: json|text")

	// load resuelve .env + config + logger; lo usan los comandos que tocan el store.
	load := func() (*config.Config, error) {
		if cfg != nil {
			return cfg, nil
		}
		if g.envFile != "" {
			_ = godotenv.Load(g.envFile)
		}
		c, err := config.Load(g.configPath)
		if err != nil {
			return nil, err
		}
		logger.Init(c.LoggerConfig(serviceName, version))
		cfg = c
		return c, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newTickCmd(load, g),
		newStatusCmd(load, g),
		newListCmd(load, g),
		newCreateCmd(load, g),
		newForceRotateCmd(load, g),
		newEmergencyReplaceCmd(load, g),
		newMigrateCmd(load),
		newGenMasterKeyCmd(),
		newAdminCmd(g),
	)
	root.PersistentPostRun = func(*cobra.Command, []string) { _ = logger.Sync() }
	return root
}

type loader func() (*config.Config, error)
