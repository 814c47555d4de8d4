package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"slug/internal/config"
	"slug/internal/services"
)

// OverwriteOption is consumed by the pipeline and never passed to modules.
const OverwriteOption = "overwrite"

// resolveOptions validates caller options against the module declaration
// and fills declared defaults. The overwrite flag is split out.
func resolveOptions(mod config.Module, in map[string]string) (map[string]string, bool, error) {
	out := make(map[string]string, len(mod.Options))
	overwrite := false
	for rawName, rawValue := range in {
		name := strings.TrimSpace(rawName)
		value := strings.TrimSpace(rawValue)
		if strings.EqualFold(name, OverwriteOption) {
			if value == "" {
				overwrite = true
				continue
			}
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, false, services.Wrap(services.ErrValidation, "pipeline", "options",
					fmt.Sprintf("overwrite must be a boolean, got %q", rawValue), nil)
			}
			overwrite = b
			continue
		}
		decl, ok := mod.Options[name]
		if !ok {
			return nil, false, services.Wrap(services.ErrValidation, "pipeline", "options",
				fmt.Sprintf("module %s does not accept option %q", mod.Name, name), nil)
		}
		if len(decl.Values) > 0 && !contains(decl.Values, value) {
			return nil, false, services.Wrap(services.ErrValidation, "pipeline", "options",
				fmt.Sprintf("option %q of module %s must be one of %s, got %q", name, mod.Name, strings.Join(decl.Values, ", "), value), nil)
		}
		out[name] = value
	}
	for name, decl := range mod.Options {
		if _, set := out[name]; !set && decl.Default != "" {
			out[name] = decl.Default
		}
	}
	return out, overwrite, nil
}

// optionArgs renders options as sorted --name value pairs.
func optionArgs(opts map[string]string) []string {
	names := sortedKeys(opts)
	args := make([]string, 0, len(names)*2)
	for _, name := range names {
		args = append(args, "--"+name, opts[name])
	}
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
