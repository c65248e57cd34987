package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/rotation"
	"github.com/dropDatabas3/nrtmkeys/internal/security/secretbox"
	"github.com/dropDatabas3/nrtmkeys/internal/store"
)

const timeFmt = "2006-01-02 15:04:05Z07:00"

// withEngine abre el store, arma el engine y lo cierra al terminar.
func withEngine(cmd *cobra.Command, load loader, fn func(ctx context.Context, e *rotation.Engine) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	ks, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer ks.Close()
	e, err := newEngine(cfg, ks)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(g *globalFlags, res rotation.Result) error {
	if g.out == "json" {
		return printJSON(res)
	}
	fmt.Printf("transition=%s state=%s\n", res.Transition, res.State)
	if res.Created != nil {
		fmt.Printf("created=%s expires=%s\n", res.Created.ID, res.Created.ExpiresAt.Format(timeFmt))
	}
	for _, id := range res.Retired {
		fmt.Printf("retired=%s\n", id)
	}
	printSnapshot(res.Snapshot)
	return nil
}

func printSnapshot(s rotation.Snapshot) {
	if s.Active != nil {
		fmt.Printf("active=%s expires=%s\n", s.Active.ID, s.Active.ExpiresAt.Format(timeFmt))
	}
	if s.Queued != nil {
		fmt.Printf("queued=%s expires=%s\n", s.Queued.ID, s.Queued.ExpiresAt.Format(timeFmt))
	}
}

// mutation arma un comando que corre una operación del engine con now=ahora.
func mutation(load loader, g *globalFlags, use, short string, op func(e *rotation.Engine) func(context.Context, time.Time) (rotation.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, load, func(ctx context.Context, e *rotation.Engine) error {
				res, err := op(e)(ctx, time.Now())
				if err != nil {
					return err
				}
				return printResult(g, res)
			})
		},
	}
}

func newTickCmd(load loader, g *globalFlags) *cobra.Command {
	return mutation(load, g, "tick", "Aplica la transición de rotación que corresponda ahora (idempotente)",
		func(e *rotation.Engine) func(context.Context, time.Time) (rotation.Result, error) { return e.MaintenanceTick })
}

func newForceRotateCmd(load loader, g *globalFlags) *cobra.Command {
	return mutation(load, g, "force-rotate", "Promueve la clave encolada sin esperar a que expire la activa",
		func(e *rotation.Engine) func(context.Context, time.Time) (rotation.Result, error) { return e.ForceActivateQueued })
}

func newEmergencyReplaceCmd(load loader, g *globalFlags) *cobra.Command {
	cmd := mutation(load, g, "emergency-replace", "Retira la clave activa (y la encolada) e instala una nueva",
		func(e *rotation.Engine) func(context.Context, time.Time) (rotation.Result, error) {
			return e.EmergencyReplaceActive
		})
	var yes bool
	cmd.Flags().BoolVar(&yes, "yes", false, "confirmar el reemplazo")
	run := cmd.RunE
	cmd.RunE = func(c *cobra.Command, args []string) error {
		if !yes {
			return errors.New("emergency-replace retira la clave activa sin pre-anuncio; repetir con --yes")
		}
		return run(c, args)
	}
	return cmd
}

func newCreateCmd(load loader, g *globalFlags) *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Crea un key record fuera del ciclo normal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, load, func(ctx context.Context, e *rotation.Engine) error {
				res, err := e.CreateKeyRecord(ctx, time.Now(), active)
				if err != nil {
					return err
				}
				return printResult(g, res)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "activar la clave nueva (retira la activa actual)")
	return cmd
}

func newStatusCmd(load loader, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Muestra la clave activa y la encolada",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, load, func(ctx context.Context, e *rotation.Engine) error {
				snap, err := e.State(ctx, time.Now())
				if err != nil {
					return err
				}
				if g.out == "json" {
					return printJSON(snap)
				}
				fmt.Printf("state=%s\n", snap.State)
				printSnapshot(snap)
				return nil
			})
		},
	}
}

func newListCmd(load loader, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lista todas las claves (sin material privado)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, load, func(ctx context.Context, e *rotation.Engine) error {
				all, err := e.History(ctx)
				if err != nil {
					return err
				}
				if g.out == "json" {
					return printJSON(all)
				}
				return printKeyTable(all)
			})
		},
	}
}

func printKeyTable(all []repository.KeyRecord) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTIVE\tCREATED_AT\tEXPIRES_AT\tRETIRED_AT")
	for _, k := range all {
		retired := ""
		if k.RetiredAt != nil {
			retired = k.RetiredAt.Format(timeFmt)
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", k.ID, k.Active,
			k.CreatedAt.Format(timeFmt), k.ExpiresAt.Format(timeFmt), retired)
	}
	return tw.Flush()
}

func newMigrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Aplica las migraciones pendientes del store SQL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ks, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer ks.Close()
			m, ok := ks.(store.Migratable)
			if !ok {
				return fmt.Errorf("driver %s has no migrations", cfg.Storage.Driver)
			}
			if err := m.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func newGenMasterKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-master-key",
		Short: "Genera una clave para SIGNING_MASTER_KEY",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			k, err := secretbox.GenerateMasterKey()
			if err != nil {
				return err
			}
			fmt.Printf("SIGNING_MASTER_KEY=%s\n", k)
			return nil
		},
	}
}
