package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Static errors for configuration validation
var (
	ErrTopicRequired           = errors.New("topic is required")
	ErrTopicInvalid            = errors.New("topic is invalid: must match <source>.<database>.<collection>")
	ErrSnapshotTypeInvalid     = errors.New("snapshot type must be one of: full, incremental")
	ErrExportDateFormatInvalid = errors.New("invalid export date format")
	ErrZookeeperQuorumRequired = errors.New("store zookeeper quorum is required")
	ErrScanMaxRetriesInvalid   = errors.New("scan max retries must be at least 1")
	ErrScanRetrySleepInvalid   = errors.New("scan retry sleep must be >= 0")
	ErrScanTimeRangeInvalid    = errors.New("scan time range end must be after start")
	ErrKeyServiceURLRequired   = errors.New("key service URL is required")
	ErrSinkInvalid             = errors.New("sink must be one of: s3, file")
	ErrOutputDirRequired       = errors.New("output directory is required for the file sink")
	ErrS3EndpointRequired      = errors.New("S3 endpoint is required")
	ErrS3BucketRequired        = errors.New("S3 bucket is required")
	ErrS3AccessKeyRequired     = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired     = errors.New("S3 secret key is required")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrManifestBucketRequired  = errors.New("manifest bucket is required")
	ErrWorkersMinimum          = errors.New("workers must be at least 1")
	ErrWorkersMaximum          = errors.New("workers must not exceed 1000")
	ErrPartitionsInvalid       = errors.New("partitions must be between 1 and 256")
	ErrMaxBatchBytesInvalid    = errors.New("max batch bytes must be at least 1024")
	ErrCompressionInvalid      = errors.New("compression must be one of: zstd, lz4, gzip, none")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)")
	ErrUploadRetriesInvalid    = errors.New("upload max retries must be >= 0")
)

const regionAuto = "auto"

type Config struct {
	Debug         bool
	LogFormat     string
	DryRun        bool
	Workers       int
	Partitions    int
	Topic         string
	SnapshotType  string
	ExportDate    string
	CorrelationID string
	BlockedTopics string // comma-separated topics refused at startup
	Scan          ScanConfig
	Keys          KeysConfig
	S3            S3Config
	Batch         BatchConfig
	Status        StatusConfig
	Notify        NotifyConfig
	Sink          string // "s3" or "file"
	OutputDir     string
}

type ScanConfig struct {
	ZookeeperQuorum string
	Family          string
	TimeRangeStart  int64 // epoch milliseconds; 0 scans from the beginning of time
	TimeRangeEnd    int64 // epoch milliseconds; 0 means "now"
	CacheSize       int
	CacheBlocks     bool
	MaxRetries      int
	RetrySleepMs    int
}

type KeysConfig struct {
	URL string
}

type S3Config struct {
	Endpoint       string
	Bucket         string
	Prefix         string
	ManifestBucket string
	ManifestPrefix string
	AccessKey      string
	SecretKey      string
	Region         string
	MaxRetries     int
}

type BatchConfig struct {
	MaxBytes         int
	Compression      string
	CompressionLevel int
}

type StatusConfig struct {
	Table string // empty disables status tracking
}

type NotifyConfig struct {
	QueueURL       string // empty disables notifications
	ShutdownFlag   bool
	ReprocessFiles bool
}

// validTopic matches the source.database.collection topic form.
var validTopic = regexp.MustCompile(`^\w+\.[-\w]+\.[-\w]+$`)

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" {
		return false
	}
	if len(region) > 50 {
		return false
	}
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

// isValidSnapshotType validates the snapshot type
func isValidSnapshotType(snapshotType string) bool {
	return snapshotType == "full" || snapshotType == "incremental"
}

// isValidCompression validates the compression type
func isValidCompression(compression string) bool {
	validCompressions := map[string]bool{
		"zstd": true,
		"lz4":  true,
		"gzip": true,
		"none": true,
	}
	return validCompressions[compression]
}

// isValidCompressionLevel validates compression level based on compression type
func isValidCompressionLevel(compression string, level int) bool {
	switch compression {
	case "zstd":
		return level >= 1 && level <= 22
	case "lz4", "gzip":
		return level >= 1 && level <= 9
	case "none":
		return level == 0 // no compression, level should be 0
	default:
		return false
	}
}

// TopicBlocked reports whether the configured topic appears in the
// blocked list.
func (c *Config) TopicBlocked() bool {
	for _, blocked := range strings.Split(c.BlockedTopics, ",") {
		if strings.TrimSpace(blocked) == c.Topic {
			return c.Topic != ""
		}
	}
	return false
}

// Incremental reports whether this run is an incremental export.
func (c *Config) Incremental() bool {
	return c.SnapshotType == "incremental"
}

func (c *Config) Validate() error {
	// Validate topic
	if c.Topic == "" {
		return ErrTopicRequired
	}
	if !validTopic.MatchString(c.Topic) {
		return fmt.Errorf("%w: '%s'", ErrTopicInvalid, c.Topic)
	}

	if !isValidSnapshotType(c.SnapshotType) {
		return fmt.Errorf("%w: '%s'", ErrSnapshotTypeInvalid, c.SnapshotType)
	}

	if c.ExportDate != "" {
		if _, err := time.Parse("2006-01-02", c.ExportDate); err != nil {
			return fmt.Errorf("%w: %w", ErrExportDateFormatInvalid, err)
		}
	}

	// Validate store scan configuration
	if c.Scan.ZookeeperQuorum == "" {
		return ErrZookeeperQuorumRequired
	}
	if c.Scan.MaxRetries < 1 {
		return fmt.Errorf("%w, got %d", ErrScanMaxRetriesInvalid, c.Scan.MaxRetries)
	}
	if c.Scan.RetrySleepMs < 0 {
		return fmt.Errorf("%w, got %d", ErrScanRetrySleepInvalid, c.Scan.RetrySleepMs)
	}
	if c.Scan.TimeRangeEnd != 0 && c.Scan.TimeRangeEnd <= c.Scan.TimeRangeStart {
		return fmt.Errorf("%w: [%d, %d)", ErrScanTimeRangeInvalid, c.Scan.TimeRangeStart, c.Scan.TimeRangeEnd)
	}

	// Validate key service configuration
	if c.Keys.URL == "" {
		return ErrKeyServiceURLRequired
	}

	// Validate output sink
	switch c.Sink {
	case "file":
		if c.OutputDir == "" {
			return ErrOutputDirRequired
		}
	case "s3":
		if c.S3.Endpoint == "" {
			return ErrS3EndpointRequired
		}
		if c.S3.Bucket == "" {
			return ErrS3BucketRequired
		}
		if c.S3.AccessKey == "" {
			return ErrS3AccessKeyRequired
		}
		if c.S3.SecretKey == "" {
			return ErrS3SecretKeyRequired
		}
		if c.S3.ManifestBucket == "" {
			return ErrManifestBucketRequired
		}
		if c.S3.Region != "" && c.S3.Region != regionAuto {
			if !isValidRegion(c.S3.Region) {
				return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
			}
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrSinkInvalid, c.Sink)
	}
	if c.S3.MaxRetries < 0 {
		return fmt.Errorf("%w, got %d", ErrUploadRetriesInvalid, c.S3.MaxRetries)
	}

	// Validate workers count
	if c.Workers < 1 {
		return ErrWorkersMinimum
	}
	if c.Workers > 1000 {
		return fmt.Errorf("%w, got %d", ErrWorkersMaximum, c.Workers)
	}

	// Validate partition count
	if c.Partitions < 1 || c.Partitions > 256 {
		return fmt.Errorf("%w, got %d", ErrPartitionsInvalid, c.Partitions)
	}

	// Validate batching
	if c.Batch.MaxBytes < 1024 {
		return fmt.Errorf("%w, got %d", ErrMaxBatchBytesInvalid, c.Batch.MaxBytes)
	}
	if !isValidCompression(c.Batch.Compression) {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Batch.Compression)
	}
	if !isValidCompressionLevel(c.Batch.Compression, c.Batch.CompressionLevel) {
		return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, c.Batch.Compression, c.Batch.CompressionLevel)
	}

	return nil
}
