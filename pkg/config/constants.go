package config

const (
	// EnvPrefix is intentionally empty; every field carries its full
	// VOICENOTE_* variable name in its envconfig tag.
	EnvPrefix = ""

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "VOICENOTE_DB_DSN"
	EnvDBHost = "VOICENOTE_DB_HOST"
	EnvDBUser = "VOICENOTE_DB_USER"
	EnvDBName = "VOICENOTE_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
