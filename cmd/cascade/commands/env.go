package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEnvCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Inspect and edit the environment store",
		Long: `Read and write the environment key-value store backing the pipeline.

Every stage input flows through this store. Writes bump a monotonically
increasing revision that stamps run records and drives drift detection;
setting a key to the value it already holds changes nothing and leaves
the revision alone.`,
	}

	cmd.AddCommand(newEnvGetCommand())
	cmd.AddCommand(newEnvSetCommand())
	cmd.AddCommand(newEnvListCommand())

	return cmd
}

func newEnvGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "get <key>",
		Short:   "Print one environment value",
		Example: `  cascade env get api.version`,
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}

			value, err := env.Get(args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]string{"key": args[0], "value": value})
			}
			fmt.Println(value)
			return nil
		},
	}
}

func newEnvSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one environment value",
		Long: `Set a key in the environment store and persist the file.

Setting a key to the value it already holds is a no-op: the revision
does not move and stages verified against it stay verified. A real
change bumps the revision, which the next run reports as drift on
stages verified against the old one.`,
		Example: `  # New value: the revision bumps
  cascade env set api.version 2.4.2

  # Same value again: unchanged
  cascade env set api.version 2.4.2`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]

			env, err := loadEnvironment()
			if err != nil {
				return err
			}

			revision, changed := env.Set(key, value)
			if changed {
				if err := env.Save(envPath); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"key":      key,
					"changed":  changed,
					"revision": revision,
				})
			}

			if changed {
				fmt.Printf("✓ %s set (revision bumped to %d)\n", key, revision)
			} else {
				fmt.Printf("%s unchanged (revision %d)\n", key, revision)
			}
			return nil
		},
	}
}

func newEnvListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List all environment keys",
		Example: `  cascade env list`,
		Args:    noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}

			keys := env.Keys()

			if jsonOutput {
				values := make(map[string]string, len(keys))
				for _, key := range keys {
					value, _ := env.Get(key)
					values[key] = value
				}
				return printJSON(struct {
					Revision uint64            `json:"revision"`
					Values   map[string]string `json:"values"`
				}{env.Revision(), values})
			}

			fmt.Printf("# revision %d\n", env.Revision())
			for _, key := range keys {
				value, _ := env.Get(key)
				fmt.Printf("%s=%s\n", key, value)
			}
			return nil
		},
	}
}
