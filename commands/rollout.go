package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeu5/tankrl/policies"
	"github.com/zeu5/tankrl/royale"
	"github.com/zeu5/tankrl/sim"
	"github.com/zeu5/tankrl/types"
)

var (
	simArena        bool
	connectEndpoint string
	rolloutPolicy   string
	rolloutOpponent string
	rolloutSeed     uint64
)

// RolloutExploration runs scripted policies against either the offline
// arena or a live engine and compares the outcomes. With the sim arena
// every requested policy gets its own environment, against the engine a
// single environment is shared sequentially.
func RolloutExploration(episodes, horizon int, saveFile string, ctx context.Context) error {
	c := types.NewComparison(&types.ComparisonConfig{
		Runs:         runs,
		Episodes:     episodes,
		Horizon:      horizon,
		RecordPath:   saveFile,
		ReportConfig: types.RepConfigOff(),
		Timeout:      2 * time.Minute,

		ConsecutiveTimeoutsAbort: 10,
		ConsecutiveErrorsAbort:   10,
	})
	c.AddAnalysis("reward", types.NewRewardAnalyzer(), types.RewardComparator(saveFile))
	c.AddAnalysis("winrate", types.NewWinRateAnalyzer(100), types.WinRateComparator(saveFile))
	c.AddAnalysis("length", types.NewEpisodeLengthAnalyzer(), types.EpisodeLengthComparator(saveFile))
	c.AddAnalysis("outcome", types.NewOutcomeAnalyzer(), types.OutcomeComparator())

	envs := make([]types.Environment, 0)
	defer func() {
		for _, env := range envs {
			env.Close()
		}
	}()

	names := []string{"noop", "random", "spin_fire", "tracking"}
	if rolloutPolicy != "" {
		names = []string{rolloutPolicy}
	}

	if simArena {
		for _, name := range names {
			policy, err := policies.ByName(name, rolloutSeed)
			if err != nil {
				return err
			}
			arena := sim.NewArena(&sim.Config{
				Opponent: rolloutOpponent,
				Seed:     rolloutSeed,
			})
			envs = append(envs, arena)
			c.AddExperiment(types.NewExperiment(name, policy, arena))
		}
	} else {
		if rolloutPolicy == "" {
			names = []string{"tracking"}
		}
		policy, err := policies.ByName(names[0], rolloutSeed)
		if err != nil {
			return err
		}
		base := baseConfigFromEnv()
		base.AttachEndpoint = connectEndpoint
		base.SetDefaults()
		var selector royale.Selector
		if rolloutOpponent != "" {
			selector = &royale.PinnedSelector{Name: rolloutOpponent}
		}
		env, err := royale.NewEnv(base.Instantiate(0), selector)
		if err != nil {
			return err
		}
		envs = append(envs, env)
		c.AddExperiment(types.NewExperiment(names[0], policy, env))
	}

	c.Run(ctx)
	return nil
}

func RolloutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "rollout",
		Run: func(cmd *cobra.Command, args []string) {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt)

			doneCh := make(chan struct{})

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-sigCh:
				case <-doneCh:
				}
				cancel()
			}()

			if err := RolloutExploration(episodes, horizon, saveFile, ctx); err != nil {
				fmt.Println(err)
			}

			close(doneCh)
		},
	}
	cmd.Flags().BoolVar(&simArena, "sim", false, "Run against the offline arena instead of the engine")
	cmd.Flags().StringVar(&connectEndpoint, "connect", "", "Attach to a running engine at this websocket url instead of starting one")
	cmd.Flags().StringVar(&rolloutPolicy, "policy", "", "Single policy to roll out, default compares all scripted ones on the arena")
	cmd.Flags().StringVar(&rolloutOpponent, "opponent", "", "Pin the opponent: a roster name, or static/spin/ram for the arena")
	cmd.Flags().Uint64Var(&rolloutSeed, "seed", 0, "Seed for policies and the arena, zero picks a time based one")
	return cmd
}
