package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the Leader's startup banner.
func PrintBanner(config *Config, rootJobID string, logger arbor.ILogger) {
	version := GetVersion()
	build := BuildTime

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("LEADER")
	b.PrintCenteredText("DAG Workflow Control Plane")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 18)
	b.PrintKeyValue("Build", build, 18)
	b.PrintKeyValue("Root job", rootJobID, 18)
	b.PrintKeyValue("Job store", config.JobStore.Path, 18)
	b.PrintKeyValue("Rescue every", config.Leader.RescueFrequency.String(), 18)
	b.PrintKeyValue("Scaler", fmt.Sprintf("%v", config.Scaler.Enabled), 18)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("root_job", rootJobID).
		Str("jobstore_path", config.JobStore.Path).
		Dur("rescue_frequency", config.Leader.RescueFrequency).
		Bool("scaler_enabled", config.Scaler.Enabled).
		Msg("leader starting")
}

// PrintShutdownBanner displays the shutdown banner.
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("LEADER")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("leader shutting down")
}

// PrintColorizedMessage prints a message with specified color. It does not
// log; the logger argument is unused and callers log separately.
func PrintColorizedMessage(color, message string, logger arbor.ILogger) {
	fmt.Printf("%s%s%s\n", color, message, banner.ColorReset)
}

// PrintSuccess prints a success message in green and logs it.
func PrintSuccess(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorGreen, fmt.Sprintf("+ %s", message), logger)
	logger.Info().Str("type", "success").Msg(message)
}

// PrintError prints an error message in red and logs it.
func PrintError(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorRed, fmt.Sprintf("x %s", message), logger)
	logger.Error().Str("type", "error").Msg(message)
}

// PrintWarning prints a warning message in yellow and logs it.
func PrintWarning(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorYellow, fmt.Sprintf("! %s", message), logger)
	logger.Warn().Str("type", "warning").Msg(message)
}
