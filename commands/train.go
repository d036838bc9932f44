package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeu5/tankrl/policies"
	"github.com/zeu5/tankrl/royale"
	"github.com/zeu5/tankrl/training"
	"github.com/zeu5/tankrl/types"
)

var (
	monitorAddr   string
	trainPolicy   string
	workerIndex   int
	unlockedTier  int
	useGui        bool
	noDisplay     bool
	resumeRun     bool
	selfPlayRatio float64
	trainSeed     uint64
)

func TrainExploration(episodes, horizon int, saveFile string, ctx context.Context) error {
	base := baseConfigFromEnv()
	base.WorkerIndex = workerIndex
	base.UnlockedTier = unlockedTier
	base.UseDisplay = !noDisplay
	base.UseGui = useGui
	base.SetDefaults()

	curriculum := training.NewCurriculum(nil)
	league := training.NewLeague(0, training.SamplePrioritized, trainSeed)
	if resumeRun {
		if c, err := training.LoadCurriculum(path.Join(saveFile, "curriculum.json")); err == nil {
			curriculum = c
		}
		if l, err := training.LoadLeague(path.Join(saveFile, "league.json"), trainSeed); err == nil {
			league = l
		}
	}
	sampler := training.NewOpponentSampler(curriculum, league, selfPlayRatio, trainSeed)
	tracker := training.NewCurriculumTracker(curriculum, league, saveFile)

	policy, err := policies.ByName(trainPolicy, trainSeed)
	if err != nil {
		return err
	}

	monitor := royale.NewMonitor(ctx, monitorAddr)
	monitor.SetLeagueFunc(func() interface{} { return league.Standings() })
	monitor.Start()

	c := types.NewParallelComparison(&types.ComparisonConfig{
		Runs:         runs,
		Episodes:     episodes,
		Horizon:      horizon,
		RecordPath:   saveFile,
		ReportConfig: types.RepConfigStandard(),
		Timeout:      5 * time.Minute,

		ConsecutiveTimeoutsAbort: 10,
		ConsecutiveErrorsAbort:   10,

		RecordTimes: true,
	}, parallelism)

	// the tracker spans runs and experiments, the factory hands out the
	// shared instance on purpose
	c.AddAnalysis("curriculum", func() types.Analyzer { return tracker }, training.CurriculumComparator())
	c.AddAnalysis("reward", func() types.Analyzer { return types.NewRewardAnalyzer() }, types.RewardComparator(saveFile))
	c.AddAnalysis("winrate", func() types.Analyzer { return types.NewWinRateAnalyzer(100) }, types.WinRateComparator(saveFile))
	c.AddAnalysis("length", func() types.Analyzer { return types.NewEpisodeLengthAnalyzer() }, types.EpisodeLengthComparator(saveFile))
	c.AddAnalysis("outcome", func() types.Analyzer { return types.NewOutcomeAnalyzer() }, types.OutcomeComparator())

	c.AddExperiment(&types.ParallelExperiment{
		Name:   trainPolicy,
		Policy: policy,
		Constructor: func(parallelIndex int) (types.Environment, error) {
			env, err := royale.NewEnv(base.Instantiate(parallelIndex), sampler)
			if err != nil {
				return nil, err
			}
			monitor.Register(env)
			return env, nil
		},
	})

	c.Run(ctx)

	if err := curriculum.Save(path.Join(saveFile, "curriculum.json")); err != nil {
		fmt.Println("failed to save curriculum checkpoint:", err)
	}
	if err := league.Save(path.Join(saveFile, "league.json")); err != nil {
		fmt.Println("failed to save league checkpoint:", err)
	}
	return nil
}

func TrainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "train",
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

			if err := TrainExploration(episodes, horizon, saveFile, ctx); err != nil {
				fmt.Println(err)
			}

			close(doneCh)
		},
	}
	cmd.Flags().StringVar(&monitorAddr, "monitor", "127.0.0.1:9090", "Address the health monitor listens on")
	cmd.Flags().StringVar(&trainPolicy, "policy", "tracking", "Policy driving the agent: noop, random, spin_fire or tracking")
	cmd.Flags().IntVar(&workerIndex, "worker", 0, "Worker index separating port ranges of concurrent trainers")
	cmd.Flags().IntVar(&unlockedTier, "tier", -1, "Highest unlocked opponent tier, negative for all")
	cmd.Flags().BoolVar(&useGui, "gui", false, "Start the engine gui for visual debugging")
	cmd.Flags().BoolVar(&noDisplay, "no-display", false, "Skip the virtual display, engine must run headless")
	cmd.Flags().BoolVar(&resumeRun, "resume", false, "Resume curriculum and league from checkpoints in the save folder")
	cmd.Flags().Float64Var(&selfPlayRatio, "self-play-ratio", 0.7, "Share of self play episodes drawn from the league")
	cmd.Flags().Uint64Var(&trainSeed, "seed", 0, "Seed for sampling, zero picks a time based one")
	return cmd
}
