package config

import "fmt"

// ModulesConfig selects which modules load and carries their options.
type ModulesConfig struct {
	// Only restricts loading to the named modules. Empty loads all
	// registered modules.
	Only []string `yaml:"only"`

	// Disabled skips the named modules.
	Disabled []string `yaml:"disabled"`

	// Options holds per-module option values, validated against each
	// module's declared schema at install time.
	Options map[string]map[string]any `yaml:"options"`
}

func (c *ModulesConfig) Validate() error {
	only := map[string]bool{}
	for _, name := range c.Only {
		if name == "" {
			return fmt.Errorf("only: empty module name")
		}
		if only[name] {
			return fmt.Errorf("only: module %q listed twice", name)
		}
		only[name] = true
	}
	for _, name := range c.Disabled {
		if name == "" {
			return fmt.Errorf("disabled: empty module name")
		}
		if only[name] {
			return fmt.Errorf("module %q is both in only and disabled", name)
		}
	}
	return nil
}

// Selected reports whether the named module should be loaded.
func (c *ModulesConfig) Selected(name string) bool {
	for _, d := range c.Disabled {
		if d == name {
			return false
		}
	}
	if len(c.Only) == 0 {
		return true
	}
	for _, o := range c.Only {
		if o == name {
			return true
		}
	}
	return false
}
