package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/stumble-exporter/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	cfgFile   string
	debug     bool
	logFormat string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger = slog.New(newTextOnlyHandler(os.Stdout, nil))
)

// SetSignalContext stores the signal-aware context created in main().
// It must be called before Execute.
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", r.Time.Format("2006-01-02 15:04:05"), r.Level.String(), r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// newLogger builds a logger for the given debug flag and log format
func newLogger(w io.Writer, isDebug bool, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = newTextOnlyHandler(w, opts)
	}
	return slog.New(handler)
}

// initLogger replaces the package logger based on debug flag and log format
func initLogger(isDebug bool, format string) {
	logger = newLogger(os.Stdout, isDebug, format)
}

var rootCmd = &cobra.Command{
	Use:     "stumble-exporter",
	Version: Version,
	Short:   "📡 Export recorded Wi-Fi observations and upload them to WiGLE",
	Long: titleStyle.Render("Stumble Exporter") + `

Exports every network observation recorded since the last successful upload
into a WigleWifi-1.0 artifact, compresses it with gzip, and uploads it to the
collection endpoint as a multipart form. The upload watermark only advances
when the endpoint confirms the upload.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Export new observations and upload them",
	Long: `Export every observation newer than the upload watermark, upload the artifact
and advance the watermark once the endpoint confirms it. With --dry-run the
artifact is written but not uploaded.`,
	Run: func(_ *cobra.Command, _ []string) {
		exit(runUpload(commandContext(), loadConfig()))
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the export artifact without uploading it",
	Long:  `Write an artifact with every observation newer than the upload watermark. The watermark is left untouched.`,
	Run: func(_ *cobra.Command, _ []string) {
		config := loadConfig()
		config.DryRun = true
		exit(runUpload(commandContext(), config))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current or last run and recent upload history",
	Run: func(cmd *cobra.Command, _ []string) {
		code := runStatus(os.Stdout)
		if follow, _ := cmd.Flags().GetBool("follow"); follow && code == exitOK {
			fmt.Println()
			code = followRun(commandContext(), os.Stdout)
		}
		exit(code)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Decode an export artifact and print its statistics",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		exit(runInspect(os.Stdout, args[0]))
	},
}

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the observation tables if they do not exist",
	Run: func(_ *cobra.Command, _ []string) {
		exit(runInitDB(commandContext(), loadConfig()))
	},
}

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Run a local collection endpoint for testing uploads",
	Long: `Serve POST /cgi-bin/file_upload and answer with the same markers the real
collection endpoint uses. Accepted artifacts are validated and stored under --dir.`,
	Run: func(_ *cobra.Command, _ []string) {
		exit(runCollector(commandContext(), loadConfig()))
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(initDBCmd)
	rootCmd.AddCommand(collectorCmd)

	home, _ := os.UserHomeDir()

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stumble-exporter.yaml)")
	flags.BoolVarP(&debug, "debug", "d", false, "enable debug output (disables the progress display)")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")
	flags.Bool("dry-run", false, "write the artifact without uploading it")

	// Store flags
	flags.String("db-driver", "postgres", "database driver (postgres, pgx)")
	flags.String("db-host", "localhost", "PostgreSQL host")
	flags.Int("db-port", 5432, "PostgreSQL port")
	flags.String("db-user", "", "PostgreSQL user")
	flags.String("db-password", "", "PostgreSQL password")
	flags.String("db-name", "", "PostgreSQL database name")
	flags.String("db-sslmode", "disable", "PostgreSQL SSL mode (disable, require, verify-ca, verify-full)")

	// Artifact flags
	flags.String("shared-dir", filepath.Join(home, "wiglewifi"), "preferred directory for export artifacts")
	flags.String("private-dir", filepath.Join(home, ".stumble-exporter", "exports"), "fallback directory for export artifacts")
	flags.String("prefix", "WigleWifi", "artifact filename prefix")
	flags.String("compression", "gzip", "compression type: gzip, zstd, lz4, none (uploads require gzip)")
	flags.Int("compression-level", 0, "compression level (0 = compressor default)")

	// Upload flags
	uploadCmd.Flags().String("user", "", "WiGLE observer name (\"anonymous\" needs no password)")
	uploadCmd.Flags().String("password", "", "WiGLE password")
	uploadCmd.Flags().String("endpoint", defaultEndpoint, "collection endpoint URL")
	uploadCmd.Flags().Duration("upload-timeout", defaultUploadTimeout, "network timeout for the upload (0 = no timeout)")
	uploadCmd.Flags().String("s3-endpoint", "", "S3-compatible endpoint URL for the artifact mirror")
	uploadCmd.Flags().String("s3-bucket", "", "S3 bucket to mirror uploaded artifacts to")
	uploadCmd.Flags().String("s3-access-key", "", "S3 access key")
	uploadCmd.Flags().String("s3-secret-key", "", "S3 secret key")
	uploadCmd.Flags().String("s3-region", regionAuto, "S3 region")
	uploadCmd.Flags().String("s3-path-template", "{observer}/{YYYY}/{MM}", "S3 key template: {observer}, {YYYY}, {MM}, {DD}, {HH}")

	statusCmd.Flags().BoolP("follow", "f", false, "keep printing run-state changes until the run finishes")

	// Collector flags
	collectorCmd.Flags().String("listen", ":8088", "listen address")
	collectorCmd.Flags().String("dir", "received", "directory for accepted artifacts")
	collectorCmd.Flags().StringToString("account", nil, "observer=password pair to accept (repeatable, empty accepts everyone)")

	// Bind flags to viper
	viper.BindPFlag("debug", flags.Lookup("debug"))
	viper.BindPFlag("log_format", flags.Lookup("log-format"))
	viper.BindPFlag("dry_run", flags.Lookup("dry-run"))
	viper.BindPFlag("db.driver", flags.Lookup("db-driver"))
	viper.BindPFlag("db.host", flags.Lookup("db-host"))
	viper.BindPFlag("db.port", flags.Lookup("db-port"))
	viper.BindPFlag("db.user", flags.Lookup("db-user"))
	viper.BindPFlag("db.password", flags.Lookup("db-password"))
	viper.BindPFlag("db.name", flags.Lookup("db-name"))
	viper.BindPFlag("db.sslmode", flags.Lookup("db-sslmode"))
	viper.BindPFlag("export.shared_dir", flags.Lookup("shared-dir"))
	viper.BindPFlag("export.private_dir", flags.Lookup("private-dir"))
	viper.BindPFlag("export.prefix", flags.Lookup("prefix"))
	viper.BindPFlag("compression", flags.Lookup("compression"))
	viper.BindPFlag("compression_level", flags.Lookup("compression-level"))

	viper.BindPFlag("user.name", uploadCmd.Flags().Lookup("user"))
	viper.BindPFlag("user.password", uploadCmd.Flags().Lookup("password"))
	viper.BindPFlag("endpoint", uploadCmd.Flags().Lookup("endpoint"))
	viper.BindPFlag("upload_timeout", uploadCmd.Flags().Lookup("upload-timeout"))
	viper.BindPFlag("s3.endpoint", uploadCmd.Flags().Lookup("s3-endpoint"))
	viper.BindPFlag("s3.bucket", uploadCmd.Flags().Lookup("s3-bucket"))
	viper.BindPFlag("s3.access_key", uploadCmd.Flags().Lookup("s3-access-key"))
	viper.BindPFlag("s3.secret_key", uploadCmd.Flags().Lookup("s3-secret-key"))
	viper.BindPFlag("s3.region", uploadCmd.Flags().Lookup("s3-region"))
	viper.BindPFlag("s3.path_template", uploadCmd.Flags().Lookup("s3-path-template"))

	viper.BindPFlag("collector.listen", collectorCmd.Flags().Lookup("listen"))
	viper.BindPFlag("collector.dir", collectorCmd.Flags().Lookup("dir"))
	viper.BindPFlag("collector.accounts", collectorCmd.Flags().Lookup("account"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".stumble-exporter")
	}

	viper.SetEnvPrefix("STUMBLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		initLogger(debug, logFormat)
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// commandContext returns the signal context set by main, or a background
// context when none was set
func commandContext() context.Context {
	if signalContext != nil {
		return signalContext
	}
	return context.Background()
}

func exit(code int) {
	if code != 0 {
		os.Exit(code)
	}
}
