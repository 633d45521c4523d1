package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	portEnvVar     = "PORT"
	appNameVar     = "APP_NAME"
	envVar         = "ENV"
	logLevelVar    = "LOG_LEVEL"
	logFileVar     = "LOG_FILE"
	frontendURLVar = "FRONTEND_URL"
)

type EnvVars struct {
	v *viper.Viper
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetPort() string {
	port := e.v.GetString(portEnvVar)
	if !strings.HasPrefix(port, ":") {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

func (e EnvVars) GetAppName() string {
	return e.v.GetString(appNameVar)
}

// GetEnv returns the deployment environment, DEV unless told otherwise.
func (e EnvVars) GetEnv() string {
	return strings.ToUpper(e.v.GetString(envVar))
}

func (e EnvVars) IsProduction() bool {
	return e.GetEnv() == "PROD"
}

func (e EnvVars) GetLogLevel() string {
	return e.v.GetString(logLevelVar)
}

// GetLogFile returns a file path for rotated logs, empty for stderr only.
func (e EnvVars) GetLogFile() string {
	return e.v.GetString(logFileVar)
}

// GetFrontendURL is where the browser lands after the callback completes.
func (e EnvVars) GetFrontendURL() string {
	return strings.TrimSuffix(e.v.GetString(frontendURLVar), "/")
}
