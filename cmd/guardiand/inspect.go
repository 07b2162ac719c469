package main

import (
	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/vm"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// inspectReport 只读检查的输出
type inspectReport struct {
	DataDir   string         `yaml:"data_dir"`
	NextEpoch uint64         `yaml:"next_epoch"`
	Keys      map[string]int `yaml:"keys"`
	Bytes     map[string]int `yaml:"bytes"`
	Modules   map[string]int `yaml:"modules,omitempty"`
}

func inspectCommand() *cobra.Command {
	var cfgPath, dataDir string
	c := &cobra.Command{
		Use:   "inspect",
		Short: "Prints record counts of a stopped guardian's database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.DefaultConfig()
			if cfgPath != "" {
				loaded, err := config.LoadFromFile(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if dataDir == "" {
				dataDir = cfg.Federation.DataDir
			}
			store, err := db.Open(cfg, dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := db.Inspect(store)
			if err != nil {
				return err
			}
			next, _, err := vm.NewExecutor(store, nil, 0).NextEpoch()
			if err != nil {
				return err
			}
			rep := inspectReport{DataDir: dataDir, NextEpoch: next, Keys: st.Keys, Bytes: st.Bytes, Modules: st.Modules}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(rep); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	flags := c.Flags()
	flags.StringVar(&cfgPath, "config", "", "guardian configuration file")
	flags.StringVar(&dataDir, "data", "", "database directory, overrides the configuration")
	return c
}
