package config

import (
	"sort"
	"strings"

	"github.com/spf13/viper"
)

const corsOriginsVar = "CORS_ORIGINS"

type Cors struct {
	v *viper.Viper
}

var _ CorsConfig = Cors{}

type AllowedOrigins map[string]struct{}
type nullValue = struct{}

func (a AllowedOrigins) IsAllowedOrigin(origin string) bool {
	_, ok := a[origin]
	return ok
}

func (a AllowedOrigins) String() string {
	var origins []string
	for k := range a {
		origins = append(origins, k)
	}
	sort.Strings(origins)
	return strings.Join(origins, ", ")
}

// GetAllowedOrigins returns CORS_ORIGINS when set, otherwise the frontend
// URL plus the usual local dev servers.
func (c Cors) GetAllowedOrigins() AllowedOrigins {
	origins := listValue(c.v, corsOriginsVar)
	if len(origins) == 0 {
		origins = []string{
			strings.TrimSuffix(c.v.GetString(frontendURLVar), "/"),
			"http://localhost:5173",
			"http://127.0.0.1:5173",
			"http://localhost:3000",
		}
	}
	allowed := make(AllowedOrigins, len(origins))
	for _, o := range origins {
		allowed[o] = nullValue{}
	}
	return allowed
}

func (Cors) GetAllowedMethods() string {
	return "GET, POST, OPTIONS"
}

func (Cors) GetAllowedHeaders() string {
	return "Content-Type, Authorization"
}
