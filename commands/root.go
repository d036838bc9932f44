package commands

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/zeu5/tankrl/royale"
)

var (
	episodes    int
	horizon     int
	saveFile    string
	runs        int
	parallelism int
)

func GetRootCommand() *cobra.Command {
	rootCommand := &cobra.Command{
		Use: "tankrl",
	}
	rootCommand.PersistentFlags().IntVarP(&episodes, "episodes", "e", 10000, "Number of episodes to run")
	rootCommand.PersistentFlags().IntVar(&horizon, "horizon", 1000, "Horizon of each episode")
	rootCommand.PersistentFlags().StringVarP(&saveFile, "save", "s", "results", "Save the result data in the specified folder")
	rootCommand.PersistentFlags().IntVar(&runs, "runs", 1, "Number of experiment runs")
	rootCommand.PersistentFlags().IntVarP(&parallelism, "parallelism", "p", 1, "Number of parallel environment slots")
	// adding the subcommands here
	rootCommand.AddCommand(TrainCommand())
	rootCommand.AddCommand(RolloutCommand())
	rootCommand.AddCommand(OpponentsCommand())
	rootCommand.AddCommand(StatusCommand())
	return rootCommand
}

// baseConfigFromEnv builds the engine configuration from the process
// environment. main loads a .env file before the commands run, so the
// machine local paths stay out of the flag surface.
func baseConfigFromEnv() *royale.InstanceBaseConfig {
	cfg := &royale.InstanceBaseConfig{
		JavaPath:      os.Getenv("TANKRL_JAVA"),
		ServerJarPath: os.Getenv("TANKRL_SERVER_JAR"),
		GuiJarPath:    os.Getenv("TANKRL_GUI_JAR"),
		XvfbPath:      os.Getenv("TANKRL_XVFB"),
		WindowManager: os.Getenv("TANKRL_WM"),
		BotsDir:       os.Getenv("TANKRL_BOTS_DIR"),
		SampleBotsDir: os.Getenv("TANKRL_SAMPLE_BOTS_DIR"),
		RosterPath:    os.Getenv("TANKRL_ROSTER"),
	}
	if v := os.Getenv("TANKRL_BASE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.BasePort = p
		}
	}
	return cfg
}
