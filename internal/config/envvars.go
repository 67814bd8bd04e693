package config

import (
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every automatic environment variable,
// e.g. drain.zero_yield_cap -> DRYDOCK_DRAIN_ZERO_YIELD_CAP.
const EnvPrefix = "DRYDOCK"

// EnvVarMapping defines short environment variable aliases for common paths.
// Every config path is also reachable by its automatic DRYDOCK_ name.
var EnvVarMapping = map[string]string{
	"DRYDOCK_DB_DRIVER":        "database.driver",
	"DRYDOCK_DB_PATH":          "database.path",
	"DRYDOCK_DB_DSN":           "database.dsn",
	"DRYDOCK_MODEL":            "generation.model",
	"DRYDOCK_PROVIDER_CEIL":    "execution.provider_ceiling",
	"DRYDOCK_MAX_ATTEMPTS":     "execution.max_builder_attempts",
	"DRYDOCK_DISPATCH_TIMEOUT": "execution.dispatch_timeout",
	"DRYDOCK_TEST_COMMAND":     "testrunner.command",
	"DRYDOCK_CALIBRATION":      "budget.calibration_file",
	"DRYDOCK_FP_RULES":         "execution.fingerprint_rules",
	"DRYDOCK_LOG_LEVEL":        "logging.level",
	"DRYDOCK_LOG_FORMAT":       "logging.format",
	"DRYDOCK_LEASE_STALE":      "lease.stale_after",
}

// bindEnv enables DRYDOCK_* lookups on v and returns the config paths that
// are currently overridden by the environment.
func bindEnv(v *viper.Viper) []string {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	overridden := make(map[string]bool)
	for envVar, path := range EnvVarMapping {
		_ = v.BindEnv(path, EnvPrefix+"_"+strings.ToUpper(envKeyReplacer.Replace(path)), envVar)
		if os.Getenv(envVar) != "" {
			overridden[path] = true
		}
	}
	for _, key := range v.AllKeys() {
		if os.Getenv(EnvPrefix+"_"+strings.ToUpper(envKeyReplacer.Replace(key))) != "" {
			overridden[key] = true
		}
	}

	paths := make([]string, 0, len(overridden))
	for p := range overridden {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
