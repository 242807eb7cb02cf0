package config

import "time"

const (
	DefaultMongoURI          = "mongodb://localhost:27017"
	DefaultMongoDatabaseName = "passkeeper"
	DefaultMongoConnTimeout  = 10 * time.Second

	DefaultPort     = "8080"
	DefaultLogLevel = "info"

	// The original deployment polled every second; correctness only
	// requires a bounded staleness window, so this is tunable.
	DefaultReconcileInterval = 1 * time.Second
	DefaultRetentionPeriod   = 7 * 24 * time.Hour
	DefaultCleanupInterval   = 24 * time.Hour
	DefaultDisplayTimezone   = "America/Chicago"

	DefaultKafkaTopic = "pass-events"

	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxRequestSize = 1 * 1024 * 1024 // 1MB

	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)
