package plugin

import (
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/petal-labs/petalvoice/tool"
)

// DecodeArgs decodes call arguments into a typed struct using `mapstructure`
// tags. Keys match case-insensitively ignoring '_' and '-'.
func DecodeArgs(args map[string]any, out any) error {
	if len(args) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(args); err != nil {
		return tool.NewError(tool.CodeArgument, "", err)
	}
	return nil
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
