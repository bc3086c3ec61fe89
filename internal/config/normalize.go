package config

import (
	petname "github.com/dustinkirkland/golang-petname"
)

// Normalize returns a copy of c with generated names for unnamed connectors
// and, when no default profile exists, a default profile holding the first
// connector.
func Normalize(c *Config) *Config {
	if c == nil {
		return nil
	}
	out := c.Clone()

	taken := make(map[string]bool, len(out.Connectors))
	for _, cc := range out.Connectors {
		if cc.Name != "" {
			taken[cc.Name] = true
		}
	}
	for i := range out.Connectors {
		if out.Connectors[i].Name != "" {
			continue
		}
		name := petname.Generate(2, "-")
		for taken[name] {
			name = petname.Generate(3, "-")
		}
		taken[name] = true
		out.Connectors[i].Name = name
	}

	if _, ok := out.Profiles[DefaultProfile]; !ok && len(out.Connectors) > 0 {
		if out.Profiles == nil {
			out.Profiles = make(map[string]ProfileConfig)
		}
		out.Profiles[DefaultProfile] = ProfileConfig{Connectors: []string{out.Connectors[0].Name}}
	}
	return out
}
