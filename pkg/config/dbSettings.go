package config

// DbSettings holds configuration for the envelope database.
type DbSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=postgres spanner"`
	DSN  string `mapstructure:"dsn"`
	URI  string `mapstructure:"uri"`
}
