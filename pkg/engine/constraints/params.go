package constraints

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/lexsight/lattice/pkg/domain"
)

// decodeParams maps the loosely typed parameter map onto a typed config
// struct. Marshal/unmarshal through YAML keeps the field mapping consistent
// with how profiles declare parameters; unknown keys (such as "op") are
// ignored.
func decodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	data, err := yaml.Marshal(params)
	if err != nil {
		return invalidParams("parameters are not encodable: %v", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return invalidParams("parameters do not match the expected shape: %v", err)
	}
	return nil
}

func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidParameters, fmt.Sprintf(format, args...))
}
