package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"outdial/internal/config"
	"outdial/internal/database"
	"outdial/internal/logging"
	"outdial/internal/tenant"
)

const version = "1.0.0"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "outdial",
		Short: "Servicio de llamadas salientes sobre Asterisk AMI",
		Long: `Origina llamadas salientes por tenant y correlaciona los eventos AMI
de cada central con sus registros de llamada.`,
		SilenceUsage: true,
	}

	def := os.Getenv("OUTDIAL_CONFIG")
	if def == "" {
		def = config.DefaultPath
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", def, "archivo de configuración YAML")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Inicia el servicio completo",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Aplica las migraciones pendientes",
		RunE:  runMigrate,
	}

	tenantsCmd := &cobra.Command{
		Use:   "tenants",
		Short: "Gestionar tenants en la base de datos",
	}
	tenantsListCmd := &cobra.Command{
		Use:   "list",
		Short: "Listar tenants",
		RunE:  runTenantsList,
	}
	tenantsImportCmd := &cobra.Command{
		Use:   "import",
		Short: "Copia los tenants del archivo de configuración a la base de datos",
		RunE:  runTenantsImport,
	}
	tenantsDeleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Eliminar tenant",
		Args:  cobra.ExactArgs(1),
		RunE:  runTenantsDelete,
	}
	tenantsCmd.AddCommand(tenantsListCmd, tenantsImportCmd, tenantsDeleteCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Muestra la versión",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "outdial", version)
		},
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, tenantsCmd, versionCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// openDatabase carga la configuración, abre la base y aplica migraciones.
func openDatabase(ctx context.Context) (*config.Config, *database.Connection, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Driver == config.DriverMemory {
		return nil, nil, fmt.Errorf("database driver %q has no persistent schema", cfg.Database.Driver)
	}
	conn, err := database.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if _, err := conn.Migrate(ctx, logging.New(cfg.Log)); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return cfg, conn, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Driver == config.DriverMemory {
		return fmt.Errorf("database driver %q has no persistent schema", cfg.Database.Driver)
	}
	conn, err := database.NewConnection(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer conn.Close()

	applied, err := conn.Migrate(cmd.Context(), logging.New(cfg.Log))
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Esquema al día")
		return nil
	}
	for _, v := range applied {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ migración %s aplicada\n", v)
	}
	return nil
}

func runTenantsList(cmd *cobra.Command, _ []string) error {
	_, conn, err := openDatabase(cmd.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	list, err := database.NewTenantRepository(conn).ListTenants(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNOMBRE\tCENTRAL\tTRONCAL\tCONTEXTO\tMAX")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			t.ID, t.Name, t.SwitchAddress(), t.Trunk, t.DialContext, t.MaxConcurrent)
	}
	return w.Flush()
}

func runTenantsImport(cmd *cobra.Command, _ []string) error {
	cfg, conn, err := openDatabase(cmd.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	repo := database.NewTenantRepository(conn)
	for _, entry := range cfg.Tenants {
		t := tenant.FromConfig(entry)
		if err := repo.Upsert(cmd.Context(), t); err != nil {
			return fmt.Errorf("importing tenant %s: %w", t.ID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ tenant %s importado\n", t.ID)
	}
	return nil
}

func runTenantsDelete(cmd *cobra.Command, args []string) error {
	_, conn, err := openDatabase(cmd.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := database.NewTenantRepository(conn).Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ tenant %s eliminado\n", args[0])
	return nil
}
