package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/database"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/importer"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/ingest"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/omero"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/preprocess"
)

// AdiConfig is the user-supplied configuration, read from a YAML file
// and overridable through the environment.
type AdiConfig struct {
	Database   DatabaseConfig                  `yaml:"database" env-required:"true"`
	EmbeddedDB database.EmbeddedPostgresConfig `yaml:"embedded_postgres"`
	Omero      OmeroConfig                     `yaml:"omero" env-required:"true"`
	Ingest     IngestConfig                    `yaml:"ingest"`
	Preprocess PreprocessConfig                `yaml:"preprocessing"`

	// BaseDir anchors the service's working tree (client logs live in
	// BaseDir/logs).
	BaseDir     string `yaml:"base_dir" env:"ADI_BASE_DIR" env-default:"/auto-importer"`
	LogLevel    string `yaml:"log_level" env:"ADI_LOG_LEVEL" env-default:"info"`
	LogFilePath string `yaml:"log_file_path" env:"ADI_LOG_FILE_PATH"`
}

// DatabaseConfig points at the ingest tracking database holding the
// order queue.
type DatabaseConfig struct {
	URL            string `yaml:"ingest_tracking_db" env:"INGEST_TRACKING_DB_URL" env-required:"true"`
	RunMigrations  bool   `yaml:"run_migrations" env:"ADI_RUN_MIGRATIONS" env-default:"true"`
	AllowAutoStamp bool   `yaml:"allow_auto_stamp" env:"ADI_ALLOW_AUTO_STAMP" env-default:"false"`
}

// OmeroConfig describes the image repository this service imports into.
type OmeroConfig struct {
	Host     string `yaml:"host" env:"OMERO_HOST" env-required:"true"`
	Port     string `yaml:"port" env:"OMERO_PORT" env-default:"4064"`
	WebURL   string `yaml:"web_url" env:"OMERO_WEB_URL"`
	User     string `yaml:"user" env:"OMERO_USER" env-default:"root"`
	Password string `yaml:"password" env:"OMERO_PASSWORD" env-required:"true"`

	// TTL (milliseconds) for sudo'd per-user sessions.
	TTLForUserConn int `yaml:"ttl_for_user_conn" env:"TTL_FOR_USER_CONN" env-default:"600000"`

	CliBinary string `yaml:"cli_binary" env:"OMERO_CLI_BIN" env-default:"omero"`
}

// IngestConfig tunes the worker pool and the import client flags passed
// on every invocation.
type IngestConfig struct {
	MaxWorkers      int           `yaml:"max_workers" env:"ADI_MAX_WORKERS" env-default:"4"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"ADI_POLL_INTERVAL" env-default:"2s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"ADI_SHUTDOWN_TIMEOUT" env-default:"30s"`

	ParallelUploadPerWorker   int `yaml:"parallel_upload_per_worker" env:"ADI_PARALLEL_UPLOAD_PER_WORKER"`
	ParallelFilesetsPerWorker int `yaml:"parallel_filesets_per_worker" env:"ADI_PARALLEL_FILESETS_PER_WORKER"`

	SkipAll        bool `yaml:"skip_all" env:"ADI_SKIP_ALL"`
	SkipChecksum   bool `yaml:"skip_checksum" env:"ADI_SKIP_CHECKSUM"`
	SkipMinMax     bool `yaml:"skip_minmax" env:"ADI_SKIP_MINMAX"`
	SkipThumbnails bool `yaml:"skip_thumbnails" env:"ADI_SKIP_THUMBNAILS"`
	SkipUpgrade    bool `yaml:"skip_upgrade" env:"ADI_SKIP_UPGRADE"`

	UseRegisterZarr bool `yaml:"use_register_zarr" env:"USE_REGISTER_ZARR"`

	// ManagedRepository is the repository-managed tree holding the
	// in-place symlinks the import client creates.
	ManagedRepository string `yaml:"managed_repository" env:"ADI_MANAGED_REPOSITORY" env-default:"/OMERO/ManagedRepository"`
}

// PreprocessConfig tunes the container engine used for preprocessing.
type PreprocessConfig struct {
	Binary     string `yaml:"binary" env:"ADI_PODMAN_BIN" env-default:"podman"`
	UsernsMode string `yaml:"userns_mode" env:"PODMAN_USERNS_MODE" env-default:"keep-id"`

	// ManagedRoot is where per-order staging directories are created.
	ManagedRoot string `yaml:"managed_root" env:"ADI_MANAGED_ROOT" env-default:"/OMERO"`
}

// LoadFromFile reads the YAML configuration at the path provided,
// applying environment overrides on top.
func (config *AdiConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return nil
}

// LoadFromEnv populates the configuration from the environment alone,
// for deployments without a config file.
func (config *AdiConfig) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration from environment: %w", err)
	}
	return nil
}

// LogDir is the directory receiving the per-order import client logs.
func (config *AdiConfig) LogDir() string {
	return filepath.Join(config.BaseDir, "logs")
}

// EnsureDirs creates the working directories the service writes into.
func (config *AdiConfig) EnsureDirs() error {
	return os.MkdirAll(config.LogDir(), 0o755)
}

// Skips renders the configured skip toggles as client --skip values.
func (config *IngestConfig) Skips() []string {
	if config.SkipAll {
		return []string{"all"}
	}

	var skips []string
	if config.SkipChecksum {
		skips = append(skips, "checksum")
	}
	if config.SkipMinMax {
		skips = append(skips, "minmax")
	}
	if config.SkipThumbnails {
		skips = append(skips, "thumbnails")
	}
	if config.SkipUpgrade {
		skips = append(skips, "upgrade")
	}
	return skips
}

// DatabaseConfig renders the section as the database package's config.
func (config *AdiConfig) DatabaseConfig() database.Config {
	url := config.Database.URL
	if config.EmbeddedDB.Enable {
		url = config.EmbeddedDB.URL()
	}
	return database.Config{
		URL:            url,
		RunMigrations:  config.Database.RunMigrations,
		AllowAutoStamp: config.Database.AllowAutoStamp,
	}
}

// OmeroConfig renders the section as the omero package's config.
func (config *AdiConfig) OmeroConfig() omero.Config {
	return omero.Config{
		Host:       config.Omero.Host,
		Port:       config.Omero.Port,
		WebURL:     config.Omero.WebURL,
		User:       config.Omero.User,
		Password:   config.Omero.Password,
		SessionTTL: config.Omero.TTLForUserConn,
	}
}

// IngestConfig renders the section as the ingest service's config.
func (config *AdiConfig) IngestConfig() ingest.Config {
	return ingest.Config{
		MaxWorkers:      config.Ingest.MaxWorkers,
		PollInterval:    config.Ingest.PollInterval,
		ShutdownTimeout: config.Ingest.ShutdownTimeout,
	}
}

// ImporterConfig renders the client-facing import settings.
func (config *AdiConfig) ImporterConfig() importer.Config {
	return importer.Config{
		LogDir:            config.LogDir(),
		ManagedRepository: config.Ingest.ManagedRepository,
		ParallelUpload:    config.Ingest.ParallelUploadPerWorker,
		ParallelFileset:   config.Ingest.ParallelFilesetsPerWorker,
		Skips:             config.Ingest.Skips(),
		RegisterZarr:      config.Ingest.UseRegisterZarr,
	}
}

// PreprocessConfig renders the section as the preprocess runner config.
func (config *AdiConfig) PreprocessConfig() preprocess.Config {
	return preprocess.Config{
		Binary:      config.Preprocess.Binary,
		UsernsMode:  config.Preprocess.UsernsMode,
		ManagedRoot: config.Preprocess.ManagedRoot,
	}
}
