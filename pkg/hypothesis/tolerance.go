package hypothesis

import (
	"context"
	"regexp"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/blackcoderx/havoc/pkg/provider/code"
	"github.com/blackcoderx/havoc/pkg/types"
)

// WithinTolerance decides whether a probe output is acceptable.
//
// Tolerance forms: a boolean (truthiness of the output must match), a
// number (matched against the output, or its "status" entry for HTTP
// results), a string (exact match against the output or its "body"), a
// sequence (a [low, high] range when it holds exactly two numbers,
// membership otherwise), or a mapping declaring either a registered code
// probe (truthy result means within tolerance) or a regex pattern.
func WithinTolerance(ctx context.Context, tolerance, value any,
	configuration types.Configuration, secrets types.Secrets) bool {
	switch t := tolerance.(type) {
	case nil:
		return true
	case bool:
		return truthy(value) == t
	case string:
		return t == stringValue(value)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32,
		uint64, float32, float64:
		return cast.ToFloat64(t) == numericValue(value)
	case []any:
		return withinSequence(t, value)
	case map[string]any:
		return withinStructured(ctx, t, value, configuration, secrets)
	default:
		if m, err := cast.ToStringMapE(tolerance); err == nil {
			return withinStructured(ctx, m, value, configuration, secrets)
		}
		log.Warn().Msgf("unsupported tolerance form: %T", tolerance)
		return false
	}
}

func withinSequence(tolerance []any, value any) bool {
	if len(tolerance) == 2 && isNumber(tolerance[0]) && isNumber(tolerance[1]) {
		v := numericValue(value)
		return cast.ToFloat64(tolerance[0]) <= v &&
			v <= cast.ToFloat64(tolerance[1])
	}
	for _, candidate := range tolerance {
		if equalScalar(candidate, value) {
			return true
		}
	}
	return false
}

func withinStructured(ctx context.Context, tolerance map[string]any,
	value any, configuration types.Configuration,
	secrets types.Secrets) bool {
	switch cast.ToString(tolerance["type"]) {
	case "regex":
		pattern := cast.ToString(tolerance["pattern"])
		re, err := regexp.Compile(pattern)
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).
				Msg("invalid tolerance pattern")
			return false
		}
		return re.MatchString(stringValue(value))
	case "probe":
		return probeTolerance(ctx, tolerance, value, configuration, secrets)
	default:
		log.Warn().Msgf("unsupported tolerance type '%v'", tolerance["type"])
		return false
	}
}

// probeTolerance runs a registered code function against the probe output;
// a truthy result means the output is within tolerance.
func probeTolerance(ctx context.Context, tolerance map[string]any, value any,
	configuration types.Configuration, secrets types.Secrets) bool {
	provider, _ := cast.ToStringMapE(tolerance["provider"])
	if provider == nil {
		return false
	}
	arguments, _ := cast.ToStringMapE(provider["arguments"])
	if arguments == nil {
		arguments = map[string]any{}
	}
	arguments["value"] = value

	probe := types.Activity{
		"type": types.ActivityTypeProbe,
		"name": cast.ToString(tolerance["name"]),
		"provider": map[string]any{
			"type":      types.ProviderTypeCode,
			"module":    cast.ToString(provider["module"]),
			"func":      cast.ToString(provider["func"]),
			"arguments": arguments,
		},
	}
	result, err := code.Run(ctx, probe, configuration, secrets)
	if err != nil {
		log.Warn().Err(err).Msg("tolerance probe failed")
		return false
	}
	return truthy(result)
}

// numericValue extracts the number a numeric tolerance compares against:
// HTTP results contribute their status code, process results their exit
// code, everything else its plain numeric form.
func numericValue(value any) float64 {
	if m, ok := value.(map[string]any); ok {
		if status, ok := m["status"]; ok {
			return cast.ToFloat64(status)
		}
	}
	return cast.ToFloat64(value)
}

// stringValue extracts the string a textual tolerance compares against;
// HTTP and process results contribute their body and stdout.
func stringValue(value any) string {
	if m, ok := value.(map[string]any); ok {
		if body, ok := m["body"]; ok {
			return cast.ToString(body)
		}
		if stdout, ok := m["stdout"]; ok {
			return cast.ToString(stdout)
		}
	}
	return cast.ToString(value)
}

func equalScalar(candidate, value any) bool {
	if isNumber(candidate) {
		return cast.ToFloat64(candidate) == numericValue(value)
	}
	if s, ok := candidate.(string); ok {
		return s == stringValue(value)
	}
	if b, ok := candidate.(bool); ok {
		return truthy(value) == b
	}
	return false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32,
		uint64, float32, float64:
		return true
	default:
		return false
	}
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case map[string]any:
		return len(v) > 0
	case []any:
		return len(v) > 0
	default:
		if isNumber(v) {
			return cast.ToFloat64(v) != 0
		}
		return true
	}
}
