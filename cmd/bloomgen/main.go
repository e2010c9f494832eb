package main

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/bloomgen/internal/llm/prompts"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bloomgen",
		Short: "Syllabus-grounded exam question generator",
	}

	serve := serveCmd()
	root.AddCommand(serve, generateCmd(), paperCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `bloomgen --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// pipelineFlags are shared by every command that builds the generation service.
func pipelineFlags() *pflag.FlagSet {
	f := pflag.NewFlagSet("pipeline", pflag.ContinueOnError)
	f.String("db", "bloomgen.db", "SQLite database path or postgres:// URL")
	f.String("syllabus", "syllabus.yaml", "Syllabus YAML file")
	f.String("chunks", "chunks.jsonl", "Unit-tagged study material chunks (JSONL)")
	f.String("embedder", "hash", "Passage embedder (hash, llm)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("embed-model", "", "Embedding model name (defaults to --llm-model)")
	f.Float64("llm-rps", 0, "Maximum LLM requests per second (0 = unlimited)")
	f.Float64("llm-temperature", 0.7, "Sampling temperature for drafting")
	f.Duration("llm-timeout", 60*time.Second, "Timeout for a single LLM call")
	f.Duration("retrieval-timeout", 10*time.Second, "Timeout for embedding a retrieval query")
	f.Duration("generation-timeout", 5*time.Minute, "Timeout for a whole question generation (0 = none)")
	f.Int("max-iterations", 3, "Maximum draft-critique iterations per question")
	f.Bool("force-accept", false, "Accept the best candidate when no draft passes")
	f.Int("min-compliance", 70, "Minimum compliance score for the rubric critic")
	f.Bool("model-critique", true, "Also ask the model to critique each draft")
	f.String("prompt-variant", string(prompts.PromptStandard), "Critique prompt variant (strict, standard, lenient)")
	f.Bool("allow-fresh-in-bank", false, "Let bank-mode papers generate questions for empty slots")
	f.Bool("trace", false, "Write OpenTelemetry spans to stderr")
	f.Float64("trace-ratio", 1, "Fraction of traces to sample")
	logFlags(f)
	return f
}

func logFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.AddFlagSet(pipelineFlags())
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "en", "Default message language (en, hi)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /bloomgen)")
	f.StringSlice("cors-origins", []string{"http://localhost:3000"}, "Allowed CORS origins")
	f.String("redis-url", "", "Redis URL for the analytics cache (empty disables caching)")
	f.Duration("analytics-ttl", 5*time.Minute, "How long cached analytics are served")
	f.Int("job-backlog", 16, "Maximum queued batch jobs")
	f.Duration("job-retention", time.Hour, "How long finished batch jobs stay queryable")
	f.String("admin-password", "", "Initial admin password (or set BLOOMGEN_ADMIN_PASSWORD)")
	return cmd
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate and store a single question",
		RunE:  runGenerate,
	}
	f := cmd.Flags()
	f.AddFlagSet(pipelineFlags())
	f.String("unit", "", "Syllabus unit id (required)")
	f.String("co", "", "Course outcome id (required)")
	f.String("bloom", "L3", "Bloom level (L1-L6 or 1-6)")
	f.String("difficulty", "medium", "Difficulty (easy, medium, hard)")
	f.Int("marks", 0, "Marks (0 = derive from difficulty)")
	_ = cmd.MarkFlagRequired("unit")
	_ = cmd.MarkFlagRequired("co")
	return cmd
}

func paperCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paper",
		Short: "Render a stored paper as Markdown or Excel",
		RunE:  runPaper,
	}
	f := cmd.Flags()
	f.String("db", "bloomgen.db", "SQLite database path or postgres:// URL")
	f.String("syllabus", "syllabus.yaml", "Syllabus YAML file")
	f.Int64("id", 0, "Paper id (required)")
	f.String("format", "md", "Output format (md, xlsx)")
	f.Bool("answers", false, "Include answer schemes (Markdown only)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	logFlags(f)
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the question bank as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "bloomgen.db", "SQLite database path or postgres:// URL")
	f.String("syllabus", "syllabus.yaml", "Syllabus YAML file")
	f.String("status", "", "Only export questions with this review status")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	logFlags(f)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("BLOOMGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("bloomgen")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/bloomgen")
	v.AddConfigPath("/etc/bloomgen")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}
