/*
Package config holds the typed configuration of an exflow deployment.

# Sources

Configuration is layered, later sources overriding earlier ones:

 1. Default() values
 2. a YAML or JSON file (FromFile, format detected by extension)
 3. EXFLOW_* environment variables (ApplyEnv)

Load runs all three and validates the result:

	cfg, err := config.Load("exflow.yaml")
	if err != nil {
	    return err
	}

# Environment

Every scalar field can be set from the environment. Names are the section
and field joined by underscores:

	EXFLOW_STORE_DRIVER=sqlite
	EXFLOW_STORE_PATH=/var/lib/exflow/events.db
	EXFLOW_BROKER_LEASE_TTL=45s
	EXFLOW_COLLABORATORS_TOOLS_BASE_URL=http://tools.internal

Per-stage retry overrides (retry.stages) are file-only.

# Durations

Duration fields accept a Go duration string ("30s", "1h30m") or a number of
seconds.
*/
package config
