package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chriscow/voice-session-go/internal/config"
	"github.com/chriscow/voice-session-go/internal/telemetry"
	"github.com/chriscow/voice-session-go/pkg/plugin"
	_ "github.com/chriscow/voice-session-go/pkg/plugin/cartesia"   // Import to register Cartesia STT
	_ "github.com/chriscow/voice-session-go/pkg/plugin/elevenlabs" // Import to register ElevenLabs TTS
	_ "github.com/chriscow/voice-session-go/pkg/plugin/fake"       // Import to register fake plugins
	_ "github.com/chriscow/voice-session-go/pkg/plugin/gemini"     // Import to register Gemini LLM
	_ "github.com/chriscow/voice-session-go/pkg/plugin/openai"     // Import to register OpenAI LLM and TTS
	"github.com/chriscow/voice-session-go/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "voiced",
	Short: "voiced - real-time voice session server",
	Long: `voiced turns streamed speech into spoken replies: audio arrives over a
websocket, is transcribed, answered by a language model and synthesized back
to the same connection.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(version.Get())
		}
		fmt.Fprintln(cmd.OutOrStdout(), version.GetVersionInfo())
		return nil
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers [kind]",
	Short: "List registered providers",
	Long: `List all registered providers or those of one kind.
Available kinds: stt, llm, tts`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var kind plugin.Kind
		if len(args) > 0 {
			kind = plugin.Kind(args[0])
		}
		return listProviders(cmd.OutOrStdout(), kind)
	},
}

func listProviders(w io.Writer, kind plugin.Kind) error {
	plugins := plugin.List(kind)
	if len(plugins) == 0 {
		if kind == "" {
			fmt.Fprintln(w, "No providers registered")
		} else {
			fmt.Fprintf(w, "No providers registered for kind: %s\n", kind)
		}
		return nil
	}

	fmt.Fprintf(w, "%-6s %-12s %-10s %s\n", "KIND", "NAME", "VERSION", "DESCRIPTION")
	fmt.Fprintln(w, "------------------------------------------------------------")
	for _, p := range plugins {
		v := p.Version
		if v == "" {
			v = "N/A"
		}
		fmt.Fprintf(w, "%-6s %-12s %-10s %s\n", p.Kind, p.Name, v, p.Description)
	}
	return nil
}

// loadConfig reads the --config file (optional) and builds the process
// logger from its telemetry section.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	logger := telemetry.NewLogger(cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	versionCmd.Flags().Bool("json", false, "Print as JSON")

	rootCmd.AddCommand(versionCmd, providersCmd, serveCmd, simulateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
