package config

import "os"

// ExpandEnv expands ${VAR} and $VAR references in YAML content before
// parsing, so news-recap.yaml can reference secrets and host-specific
// paths without hardcoding them. Missing variables expand to empty
// string; Validate catches the required fields that leaves empty.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
