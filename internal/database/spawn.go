package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/docker"
)

// EmbeddedPostgresConfig describes the optional self-hosted tracking
// database. When enabled, the service spawns a postgres container via
// the Docker SDK at boot instead of requiring an external database.
type EmbeddedPostgresConfig struct {
	Enable   bool   `yaml:"enable" env:"ADI_EMBEDDED_POSTGRES" env-default:"false"`
	User     string `yaml:"username" env:"ADI_DB_USERNAME" env-default:"omeroadi"`
	Password string `yaml:"password" env:"ADI_DB_PASSWORD" env-default:"omeroadi"`
	Name     string `yaml:"name" env:"ADI_DB_NAME" env-default:"omeroadi"`
	Host     string `yaml:"host" env:"ADI_DB_HOST" env-default:"0.0.0.0"`
	Port     string `yaml:"port" env:"ADI_DB_PORT" env-default:"5432"`
	DataDir  string `yaml:"data_dir" env:"ADI_DB_DATA_DIR"`
}

// URL renders the connection string for the embedded database.
func (config EmbeddedPostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		config.User, config.Password, config.Host, config.Port, config.Name)
}

// InitialiseDockerDatabase spawns a postgres container for the ingest
// tracking database, binding its data directory to the host so the
// queue survives restarts.
func InitialiseDockerDatabase(dockerManager docker.DockerManager, config EmbeddedPostgresConfig) (docker.DockerContainer, error) {
	dataDir := config.DataDir
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot derive embedded db data dir: %w", err)
		}
		dataDir = filepath.Join(homeDir, "omeroadi_db.dat")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	containerConfig := &container.Config{
		Image: "postgres:14.1-alpine",
		Env: []string{
			fmt.Sprintf("POSTGRES_PASSWORD=%s", config.Password),
			fmt.Sprintf("POSTGRES_USER=%s", config.User),
			fmt.Sprintf("POSTGRES_DB=%s", config.Name),
		},
		ExposedPorts: nat.PortSet{
			"5432": struct{}{},
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"5432": []nat.PortBinding{{
				HostIP:   config.Host,
				HostPort: config.Port,
			}},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: dataDir,
				Target: "/var/lib/postgresql/data",
			},
		},
	}

	db := docker.NewDockerContainer("omeroadi-db", "postgres:14.1-alpine", containerConfig, hostConfig)
	if err := dockerManager.SpawnContainer(db); err != nil {
		return nil, err
	}

	return db, nil
}
