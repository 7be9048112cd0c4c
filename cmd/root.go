package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/snapshotkit/exporter/cmd.Version=1.2.3"
	Version = "dev" // Default to "dev" if not set during build

	// signalContext is set by main() before Cobra initialization
	// This ensures signal handling is set up before any library can interfere
	signalContext context.Context

	cfgFile          string
	debug            bool
	logFormat        string
	dryRun           bool
	topic            string
	snapshotType     string
	exportDate       string
	correlationID    string
	blockedTopics    string
	workers          int
	partitions       int
	zookeeperQuorum  string
	scanFamily       string
	scanTimeStart    int64
	scanTimeEnd      int64
	scanCacheSize    int
	scanCacheBlocks  bool
	scanMaxRetries   int
	scanRetrySleepMs int
	keyServiceURL    string
	s3Endpoint       string
	s3Bucket         string
	s3Prefix         string
	s3ManifestBucket string
	s3ManifestPrefix string
	s3AccessKey      string
	s3SecretKey      string
	s3Region         string
	s3MaxRetries     int
	maxBatchBytes    int
	compression      string
	compressionLevel int
	statusTable      string
	sqsQueueURL      string
	shutdownFlag     bool
	reprocessFiles   bool
	sink             string
	outputDir        string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
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
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	level := r.Level.String()

	attrs := ""
	r.Attrs(func(a slog.Attr) bool {
		attrs += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})

	_, err := fmt.Fprintf(h.writer, "%s %s %s%s\n", timestamp, level, r.Message, attrs)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	// For simplicity, we ignore pre-bound attributes in text-only mode
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	// For simplicity, we ignore groups in text-only mode
	return h
}

// initLogger initializes the slog logger based on debug flag and log format
func initLogger(isDebug bool, format string) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "logfmt":
		// logfmt uses slog.TextHandler which outputs key=value pairs
		handler = slog.NewTextHandler(os.Stdout, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(os.Stdout, opts)
	}

	logger = slog.New(handler)
}

var rootCmd = &cobra.Command{
	Use:     "snapshot-exporter",
	Version: Version,
	Short:   "📦 Export wide-column store snapshots to encrypted S3 batches",
	Long: titleStyle.Render("Snapshot Exporter") + `

A CLI tool to export records from a wide-column store into encrypted,
compressed batch files in object storage. Scans the keyspace in parallel
partitions, re-encrypts every record under a fresh batch data key, and
writes an auditable manifest next to every batch.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		cmd.Help()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export one topic's records to object storage",
	Long: `Export one topic's records to object storage. Scans the store in
partitioned key ranges, decrypts and re-encrypts each record, batches
them up to a size threshold, and uploads each sealed batch with its
manifest.`,
	Run: func(_ *cobra.Command, _ []string) {
		runExport()
	},
}

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "Print the partition plan for the configured partition count",
	Run: func(_ *cobra.Command, _ []string) {
		runPartitions()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(partitionsCmd)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.snapshot-exporter.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "write batches to the local file sink instead of S3")

	// Export-specific flags
	exportCmd.Flags().StringVar(&topic, "topic", "", "topic to export: <source>.<database>.<collection> (required)")
	exportCmd.Flags().StringVar(&snapshotType, "snapshot-type", "full", "snapshot type (full, incremental)")
	exportCmd.Flags().StringVar(&exportDate, "export-date", time.Now().Format("2006-01-02"), "export date (YYYY-MM-DD)")
	exportCmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id shared with downstream stages (default: random)")
	exportCmd.Flags().StringVar(&blockedTopics, "blocked-topics", "", "comma-separated topics refused at startup")
	exportCmd.Flags().IntVar(&workers, "workers", 10, "number of parallel partition workers")
	exportCmd.Flags().IntVar(&partitions, "partitions", 16, "number of keyspace partitions (1-256)")

	exportCmd.Flags().StringVar(&zookeeperQuorum, "zk-quorum", "", "store ZooKeeper quorum, host:port[,host:port] (required)")
	exportCmd.Flags().StringVar(&scanFamily, "scan-family", "cf", "column family holding the record cells")
	exportCmd.Flags().Int64Var(&scanTimeStart, "scan-time-start", 0, "scan time range start, epoch milliseconds (0 = epoch)")
	exportCmd.Flags().Int64Var(&scanTimeEnd, "scan-time-end", 0, "scan time range end, epoch milliseconds (0 = now)")
	exportCmd.Flags().IntVar(&scanCacheSize, "scan-cache-size", 1000, "rows fetched per store round trip")
	exportCmd.Flags().BoolVar(&scanCacheBlocks, "scan-cache-blocks", false, "populate the store's block cache while scanning")
	exportCmd.Flags().IntVar(&scanMaxRetries, "scan-max-retries", 5, "scan reopen attempts before a partition fails")
	exportCmd.Flags().IntVar(&scanRetrySleepMs, "scan-retry-sleep-ms", 10000, "sleep between scan reopen attempts in milliseconds")

	exportCmd.Flags().StringVar(&keyServiceURL, "key-service-url", "", "data key service base URL (required)")

	exportCmd.Flags().StringVar(&s3Endpoint, "s3-endpoint", "", "S3-compatible endpoint URL")
	exportCmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket for exported batches")
	exportCmd.Flags().StringVar(&s3Prefix, "s3-prefix", "exports", "object key prefix for exported batches")
	exportCmd.Flags().StringVar(&s3ManifestBucket, "s3-manifest-bucket", "", "S3 bucket for batch manifests")
	exportCmd.Flags().StringVar(&s3ManifestPrefix, "s3-manifest-prefix", "manifests", "object key prefix for batch manifests")
	exportCmd.Flags().StringVar(&s3AccessKey, "s3-access-key", "", "S3 access key")
	exportCmd.Flags().StringVar(&s3SecretKey, "s3-secret-key", "", "S3 secret key")
	exportCmd.Flags().StringVar(&s3Region, "s3-region", "auto", "S3 region")
	exportCmd.Flags().IntVar(&s3MaxRetries, "s3-max-retries", 5, "upload retry attempts before a partition fails")

	exportCmd.Flags().IntVar(&maxBatchBytes, "max-batch-bytes", 100000000, "batch size threshold in plaintext bytes")
	exportCmd.Flags().StringVar(&compression, "compression", "gzip", "compression type: zstd, lz4, gzip, none")
	exportCmd.Flags().IntVar(&compressionLevel, "compression-level", 6, "compression level (zstd: 1-22, lz4/gzip: 1-9, none: 0)")

	exportCmd.Flags().StringVar(&statusTable, "status-table", "", "DynamoDB status table (empty disables status tracking)")
	exportCmd.Flags().StringVar(&sqsQueueURL, "sqs-queue-url", "", "SQS queue URL for batch notifications (empty disables)")
	exportCmd.Flags().BoolVar(&shutdownFlag, "shutdown-flag", true, "downstream shutdown flag stamped on notifications")
	exportCmd.Flags().BoolVar(&reprocessFiles, "reprocess-files", false, "downstream reprocess flag stamped on notifications")

	exportCmd.Flags().StringVar(&sink, "sink", "s3", "batch destination: s3, file")
	exportCmd.Flags().StringVar(&outputDir, "output-dir", "", "output directory for the file sink")

	// Partition-plan flags
	partitionsCmd.Flags().IntVar(&partitions, "partitions", 16, "number of keyspace partitions (1-256)")

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Instead, validation happens in config.Validate() which runs after all config sources are loaded.

	// Bind persistent flags
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("dry_run", rootCmd.PersistentFlags().Lookup("dry-run"))

	// Bind export flags
	_ = viper.BindPFlag("topic", exportCmd.Flags().Lookup("topic"))
	_ = viper.BindPFlag("snapshot_type", exportCmd.Flags().Lookup("snapshot-type"))
	_ = viper.BindPFlag("export_date", exportCmd.Flags().Lookup("export-date"))
	_ = viper.BindPFlag("correlation_id", exportCmd.Flags().Lookup("correlation-id"))
	_ = viper.BindPFlag("blocked_topics", exportCmd.Flags().Lookup("blocked-topics"))
	_ = viper.BindPFlag("workers", exportCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("partitions", exportCmd.Flags().Lookup("partitions"))
	_ = viper.BindPFlag("scan.zk_quorum", exportCmd.Flags().Lookup("zk-quorum"))
	_ = viper.BindPFlag("scan.family", exportCmd.Flags().Lookup("scan-family"))
	_ = viper.BindPFlag("scan.time_start", exportCmd.Flags().Lookup("scan-time-start"))
	_ = viper.BindPFlag("scan.time_end", exportCmd.Flags().Lookup("scan-time-end"))
	_ = viper.BindPFlag("scan.cache_size", exportCmd.Flags().Lookup("scan-cache-size"))
	_ = viper.BindPFlag("scan.cache_blocks", exportCmd.Flags().Lookup("scan-cache-blocks"))
	_ = viper.BindPFlag("scan.max_retries", exportCmd.Flags().Lookup("scan-max-retries"))
	_ = viper.BindPFlag("scan.retry_sleep_ms", exportCmd.Flags().Lookup("scan-retry-sleep-ms"))
	_ = viper.BindPFlag("keys.url", exportCmd.Flags().Lookup("key-service-url"))
	_ = viper.BindPFlag("s3.endpoint", exportCmd.Flags().Lookup("s3-endpoint"))
	_ = viper.BindPFlag("s3.bucket", exportCmd.Flags().Lookup("s3-bucket"))
	_ = viper.BindPFlag("s3.prefix", exportCmd.Flags().Lookup("s3-prefix"))
	_ = viper.BindPFlag("s3.manifest_bucket", exportCmd.Flags().Lookup("s3-manifest-bucket"))
	_ = viper.BindPFlag("s3.manifest_prefix", exportCmd.Flags().Lookup("s3-manifest-prefix"))
	_ = viper.BindPFlag("s3.access_key", exportCmd.Flags().Lookup("s3-access-key"))
	_ = viper.BindPFlag("s3.secret_key", exportCmd.Flags().Lookup("s3-secret-key"))
	_ = viper.BindPFlag("s3.region", exportCmd.Flags().Lookup("s3-region"))
	_ = viper.BindPFlag("s3.max_retries", exportCmd.Flags().Lookup("s3-max-retries"))
	_ = viper.BindPFlag("batch.max_bytes", exportCmd.Flags().Lookup("max-batch-bytes"))
	_ = viper.BindPFlag("batch.compression", exportCmd.Flags().Lookup("compression"))
	_ = viper.BindPFlag("batch.compression_level", exportCmd.Flags().Lookup("compression-level"))
	_ = viper.BindPFlag("status.table", exportCmd.Flags().Lookup("status-table"))
	_ = viper.BindPFlag("notify.queue_url", exportCmd.Flags().Lookup("sqs-queue-url"))
	_ = viper.BindPFlag("notify.shutdown_flag", exportCmd.Flags().Lookup("shutdown-flag"))
	_ = viper.BindPFlag("notify.reprocess_files", exportCmd.Flags().Lookup("reprocess-files"))
	_ = viper.BindPFlag("sink", exportCmd.Flags().Lookup("sink"))
	_ = viper.BindPFlag("output_dir", exportCmd.Flags().Lookup("output-dir"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".snapshot-exporter")
	}

	viper.SetEnvPrefix("EXPORT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		// Initialize logger early if reading config in debug mode
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

func loadConfig() *Config {
	config := &Config{
		Debug:         viper.GetBool("debug"),
		LogFormat:     viper.GetString("log_format"),
		DryRun:        viper.GetBool("dry_run"),
		Workers:       viper.GetInt("workers"),
		Partitions:    viper.GetInt("partitions"),
		Topic:         viper.GetString("topic"),
		SnapshotType:  viper.GetString("snapshot_type"),
		ExportDate:    viper.GetString("export_date"),
		CorrelationID: viper.GetString("correlation_id"),
		BlockedTopics: viper.GetString("blocked_topics"),
		Scan: ScanConfig{
			ZookeeperQuorum: viper.GetString("scan.zk_quorum"),
			Family:          viper.GetString("scan.family"),
			TimeRangeStart:  viper.GetInt64("scan.time_start"),
			TimeRangeEnd:    viper.GetInt64("scan.time_end"),
			CacheSize:       viper.GetInt("scan.cache_size"),
			CacheBlocks:     viper.GetBool("scan.cache_blocks"),
			MaxRetries:      viper.GetInt("scan.max_retries"),
			RetrySleepMs:    viper.GetInt("scan.retry_sleep_ms"),
		},
		Keys: KeysConfig{
			URL: viper.GetString("keys.url"),
		},
		S3: S3Config{
			Endpoint:       viper.GetString("s3.endpoint"),
			Bucket:         viper.GetString("s3.bucket"),
			Prefix:         viper.GetString("s3.prefix"),
			ManifestBucket: viper.GetString("s3.manifest_bucket"),
			ManifestPrefix: viper.GetString("s3.manifest_prefix"),
			AccessKey:      viper.GetString("s3.access_key"),
			SecretKey:      viper.GetString("s3.secret_key"),
			Region:         viper.GetString("s3.region"),
			MaxRetries:     viper.GetInt("s3.max_retries"),
		},
		Batch: BatchConfig{
			MaxBytes:         viper.GetInt("batch.max_bytes"),
			Compression:      viper.GetString("batch.compression"),
			CompressionLevel: viper.GetInt("batch.compression_level"),
		},
		Status: StatusConfig{
			Table: viper.GetString("status.table"),
		},
		Notify: NotifyConfig{
			QueueURL:       viper.GetString("notify.queue_url"),
			ShutdownFlag:   viper.GetBool("notify.shutdown_flag"),
			ReprocessFiles: viper.GetBool("notify.reprocess_files"),
		},
		Sink:      viper.GetString("sink"),
		OutputDir: viper.GetString("output_dir"),
	}

	// A dry run always goes to the file sink
	if config.DryRun {
		config.Sink = "file"
		if config.OutputDir == "" {
			config.OutputDir = "."
		}
	}
	if config.CorrelationID == "" {
		config.CorrelationID = uuid.NewString()
	}

	return config
}

func runExport() {
	// Add panic recovery to catch any unexpected crashes
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	config := loadConfig()

	// Initialize logger
	initLogger(config.Debug, config.LogFormat)

	// Log startup banner
	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Snapshot Exporter v%s", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}
	logger.Debug("Configuration validated successfully")

	// Check for updates in background (non-blocking)
	updateCheckDone := make(chan struct{})
	go func() {
		defer close(updateCheckDone)
		result := checkForUpdates(context.Background(), Version)

		if result.UpdateAvailable {
			logger.Info("")
			logger.Info(fmt.Sprintf("💡 %s", formatUpdateMessage(result)))
		} else if result.Error != nil && config.Debug {
			logger.Debug(fmt.Sprintf("Version check failed: %v", result.Error))
		}
	}()

	// Give version check a short time to complete, but don't block startup
	select {
	case <-updateCheckDone:
		// Version check completed quickly
	case <-time.After(2 * time.Second):
		logger.Debug("Version check taking longer than expected, continuing...")
	}

	// Use the signal context created in main() before Cobra initialization
	ctx := signalContext
	if ctx == nil {
		// Fallback if SetSignalContext wasn't called (shouldn't happen)
		logger.Warn("Signal context not set, creating fallback...")
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}

	logger.Debug("Creating exporter...")
	exporter := NewExporter(config, logger)

	logger.Debug("Starting export...")
	err := exporter.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info("⚠️  Export cancelled by user")
			os.Exit(130)
		}
		logger.Error(fmt.Sprintf("❌ Export failed: %s", err.Error()))
		os.Exit(1)
	}

	logger.Info("")
	logger.Info("✅ Export completed successfully!")
}
