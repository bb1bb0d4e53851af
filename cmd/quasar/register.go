package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	jsonpool "github.com/ajitpratap0/quasar/pkg/json"
	"github.com/ajitpratap0/quasar/pkg/models"
)

func newRegisterCommand(configFile *string) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an export",
		Long: `Register an export and print its transaction id.

The export is read as JSON or YAML from --file, or as JSON from stdin:

  {"source": {"name": "main", "database": "shop", "collection": "orders"},
   "target": {"name": "warehouse"},
   "settings": {"attempts": 3, "stamps": {"update": "modifiedAt"}}}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readExportInput(file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			cfg, log, err := setup(*configFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			transaction, err := a.service.Register(ctx, input)
			if err != nil {
				return err
			}

			out, err := jsonpool.Marshal(map[string]string{"transaction": transaction})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Export description file (.json, .yaml or .yml); stdin when empty or -")
	return cmd
}

func readExportInput(file string, stdin io.Reader) (*models.ExportInput, error) {
	var (
		data []byte
		err  error
	)
	if file == "" || file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file) //nolint:gosec // path supplied by the operator
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}

	var input models.ExportInput
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &input)
	default:
		err = jsonpool.Unmarshal(data, &input)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse export: %w", err)
	}
	return &input, nil
}
