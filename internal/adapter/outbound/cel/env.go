package cel

import (
	"path"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/privarion/privarion/internal/domain/condition"
)

// NewEventEnvironment creates a CEL environment exposing the event facts as
// variables, plus a glob() helper matching the engine's leaf semantics.
//
// Variables: process_name, process_path, pid, file_path, file_op, host,
// port, bundle_id, service_name, request_origin, timestamp.
func NewEventEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("process_name", cel.StringType),
		cel.Variable("process_path", cel.StringType),
		cel.Variable("pid", cel.IntType),
		cel.Variable("file_path", cel.StringType),
		cel.Variable("file_op", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("port", cel.IntType),
		cel.Variable("bundle_id", cel.StringType),
		cel.Variable("service_name", cel.StringType),
		cel.Variable("request_origin", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),

		// glob: case-sensitive glob matching.
		// Usage: glob("com.example.*", bundle_id)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					p, _ := pattern.Value().(string)
					v, _ := value.Value().(string)
					if p == "*" {
						return types.Bool(v != "")
					}
					matched, _ := path.Match(p, v)
					return types.Bool(matched)
				}),
			),
		),
	)
}

// buildActivation maps event facts to the environment's variables.
func buildActivation(ev condition.Event) map[string]any {
	return map[string]any{
		"process_name":   ev.ProcessName,
		"process_path":   ev.ProcessPath,
		"pid":            ev.PID,
		"file_path":      ev.FilePath,
		"file_op":        string(ev.FileOp),
		"host":           ev.Host,
		"port":           ev.Port,
		"bundle_id":      ev.BundleIdentifier,
		"service_name":   ev.ServiceName,
		"request_origin": ev.RequestOrigin,
		"timestamp":      ev.Timestamp,
	}
}
