package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/opensource-finance/surveil/internal/resolver"
	"github.com/opensource-finance/surveil/internal/schema"
	"github.com/spf13/cobra"
)

func resolveCmd() *cobra.Command {
	var (
		settingPath string
		entity      map[string]string
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a setting file against a context and print the resolution trace",
		Example: `  surveil resolve --setting volume_threshold.yaml \
    --context asset_class=equity --context product_id=AAPL`,
		RunE: func(cmd *cobra.Command, args []string) error {
			setting, err := loadSetting(settingPath)
			if err != nil {
				return err
			}

			res, err := resolver.NewService(nil).Resolve(cmd.Context(), setting, domain.Context(entity))
			if res != nil {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			}
			if errors.Is(err, domain.ErrResolutionType) {
				return fmt.Errorf("resolved value failed its type check: %w", err)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&settingPath, "setting", "s", "", "setting document (JSON or YAML)")
	cmd.Flags().StringToStringVar(&entity, "context", nil, "context entry key=value (repeatable)")
	_ = cmd.MarkFlagRequired("setting")
	return cmd
}

// loadSetting reads and schema-checks a setting document.
func loadSetting(path string) (*domain.Setting, error) {
	data, err := readDocument(path)
	if err != nil {
		return nil, err
	}

	schemas, err := schema.New()
	if err != nil {
		return nil, err
	}
	if err := schemas.ValidateSetting(data); err != nil {
		return nil, err
	}

	var setting domain.Setting
	if err := json.Unmarshal(data, &setting); err != nil {
		return nil, fmt.Errorf("failed to decode setting from %s: %w", path, err)
	}
	return &setting, nil
}
