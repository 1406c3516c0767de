package config

import (
	"fmt"
	"strings"

	"github.com/troop/coordinator/pkg/logger"
)

// CoordinatorServer configures the HTTP listener.
type CoordinatorServer struct {
	Addr string
}

// CoordinatorDatabase configures the durable store connection.
type CoordinatorDatabase struct {
	URL string
}

// CoordinatorRedis configures the ephemeral store connection.
type CoordinatorRedis struct {
	Host string
}

// CoordinatorSecurity holds the coordinator's authentication and signing
// secrets. ReceiptSecret and AdminPassword are required; startup must fail
// if either is unset, since an empty value would make receipts forgeable
// and the admin endpoint unauthenticated.
type CoordinatorSecurity struct {
	ReceiptSecret string
	AdminPassword string
	KeyDir        string
}

// CoordinatorCORS configures cross-origin access. Wildcard and an explicit
// allow-list are mutually exclusive: "*" only ever pairs with
// AllowCredentials=false, and any named origin pairs with
// AllowCredentials=true. Mixing the two is a startup configuration error.
type CoordinatorCORS struct {
	AllowedOrigins   []string
	AllowWildcard    bool
	AllowCredentials bool
}

// CoordinatorConfig is the coordinator's full runtime configuration.
type CoordinatorConfig struct {
	Server   CoordinatorServer
	Database CoordinatorDatabase
	Redis    CoordinatorRedis
	Security CoordinatorSecurity
	CORS     CoordinatorCORS
	Logging  logger.LoggingConfig
}

// LoadCoordinatorConfig reads the coordinator's configuration from the
// environment (optionally pre-loaded from a .env file by the caller).
// RECEIPT_SECRET and ADMIN_PASSWORD must be set; a startup-time error here
// is the intended behavior, not something to default around.
func LoadCoordinatorConfig() (*CoordinatorConfig, error) {
	cfg := &CoordinatorConfig{
		Server: CoordinatorServer{
			Addr: getEnv("COORDINATOR_HTTP_ADDR", ":8000"),
		},
		Database: CoordinatorDatabase{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: CoordinatorRedis{
			Host: getEnv("REDIS_HOST", "localhost:6379"),
		},
		Security: CoordinatorSecurity{
			ReceiptSecret: getEnv("RECEIPT_SECRET", ""),
			AdminPassword: getEnv("ADMIN_PASSWORD", ""),
			KeyDir:        getEnv("COORDINATOR_KEY_DIR", "keys"),
		},
		Logging: logger.LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "text"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			FilePrefix: getEnv("LOG_FILE_PREFIX", "coordinator"),
		},
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.Security.ReceiptSecret == "" {
		return nil, fmt.Errorf("config: RECEIPT_SECRET is required")
	}
	if cfg.Security.AdminPassword == "" {
		return nil, fmt.Errorf("config: ADMIN_PASSWORD is required")
	}

	cors, err := loadCORS()
	if err != nil {
		return nil, err
	}
	cfg.CORS = cors

	return cfg, nil
}

func loadCORS() (CoordinatorCORS, error) {
	raw := strings.TrimSpace(getEnv("ALLOWED_ORIGINS", "*"))
	if raw == "*" {
		return CoordinatorCORS{AllowWildcard: true, AllowCredentials: false}, nil
	}

	var origins []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			return CoordinatorCORS{}, fmt.Errorf("config: ALLOWED_ORIGINS mixes wildcard with explicit origins; use either \"*\" alone or a comma-separated allow-list")
		}
		origins = append(origins, o)
	}
	if len(origins) == 0 {
		return CoordinatorCORS{}, fmt.Errorf("config: ALLOWED_ORIGINS must not be empty")
	}
	return CoordinatorCORS{AllowedOrigins: origins, AllowCredentials: true}, nil
}
