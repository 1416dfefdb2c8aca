package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/keepup/pkg/template"
)

func createInitCommand(c command) *cobra.Command {
	f := InitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file for a service",
		Long: `Write a starter keepup.toml for a common kind of service.

Types: web, api, worker, database, simple

Examples:
  keepup init --type web --name site
  keepup init --type database --output /etc/keepup/mongo.toml`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.Init(f)
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "simple", "service type")
	cmd.Flags().StringVar(&f.Name, "name", "", "service name (default <type>-service)")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "keepup.toml", "output file, '-' for stdout")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	return cmd
}

func (c command) Init(f InitFlags) error {
	name := f.Name
	if name == "" {
		name = f.Type + "-service"
	}
	data, err := template.NewGenerator().GenerateTOML(template.Type(f.Type), name)
	if err != nil {
		return err
	}
	if f.Output == "-" {
		_, err := c.out.Write(data)
		return err
	}
	if _, err := os.Stat(f.Output); err == nil && !f.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", f.Output)
	}
	if err := os.WriteFile(f.Output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", f.Output, err)
	}
	_, _ = fmt.Fprintf(c.out, "wrote %s for service %q\nstart it with: keepup serve %s\n", f.Output, name, f.Output)
	return nil
}
