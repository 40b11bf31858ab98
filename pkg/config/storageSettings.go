package config

// AccountSettings describes one reachable blob storage account.
type AccountSettings struct {
	Endpoint     string `mapstructure:"endpoint"`
	Region       string `mapstructure:"region" validate:"required"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// StorageSettings names the account holding supplier source containers and the
// set of accounts dispatch targets may route to.
type StorageSettings struct {
	SourceAccount string                     `mapstructure:"source_account" validate:"required"`
	Accounts      map[string]AccountSettings `mapstructure:"accounts" validate:"required,dive"`
}

// ContainerRoute is one row of the static routing table: where verified
// content of a source container is dispatched, and which key signs it.
type ContainerRoute struct {
	Source          string `mapstructure:"source" validate:"required"`
	TargetAccount   string `mapstructure:"target_account" validate:"required"`
	TargetContainer string `mapstructure:"target_container" validate:"required"`
	Enabled         bool   `mapstructure:"enabled"`
	PublicKeyFile   string `mapstructure:"public_key_file" validate:"required"`
}
