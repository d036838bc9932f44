package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/zeu5/tankrl/royale"
)

func OpponentsCommand() *cobra.Command {
	return &cobra.Command{
		Use: "opponents",
		Run: func(cmd *cobra.Command, args []string) {
			base := baseConfigFromEnv()
			base.SetDefaults()

			var registry map[string]royale.BotSpec
			if base.RosterPath != "" {
				r, err := royale.LoadRoster(base.RosterPath)
				if err != nil {
					fmt.Println(err)
					return
				}
				registry = r
			} else {
				registry = royale.DefaultRegistry(base.BotsDir, base.SampleBotsDir)
			}

			names := make([]string, 0, len(registry))
			for name := range registry {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				spec := registry[name]
				fmt.Printf("%-16s kind=%-8s tier=%d cmd=%s\n", spec.Name, spec.Kind, spec.Tier, spec.Cmd)
			}
		},
	}
}
