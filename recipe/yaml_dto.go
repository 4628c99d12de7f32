package recipe

type yamlRecipe struct {
	Name     string    `yaml:"name"`
	Base     string    `yaml:"base"`
	Platform string    `yaml:"platform,omitempty"`
	Packages *[]string `yaml:"packages"`
	Manifest string    `yaml:"manifest"`
	Source   string    `yaml:"source"`
	Workdir  string    `yaml:"workdir"`
	Env      []string  `yaml:"env"`
	Port     *int      `yaml:"port"`

	Entrypoint yamlEntrypoint `yaml:"entrypoint"`
	Ignore     []string       `yaml:"ignore,omitempty"`
}

type yamlEntrypoint struct {
	Command string `yaml:"command"`
	Script  string `yaml:"script"`
	Address string `yaml:"address"`
}
