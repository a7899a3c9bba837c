package logtrace

// Fields is a type alias for structured log fields
type Fields map[string]interface{}

// WithFields returns a copy of base with extra fields merged in.
func WithFields(base Fields, extra Fields) Fields {
	fields := Fields{}
	for key, value := range base {
		fields[key] = value
	}
	for key, value := range extra {
		fields[key] = value
	}
	return fields
}

const (
	FieldCorrelationID = "correlation_id"
	FieldOrigin        = "origin"
	FieldModule        = "module"
	FieldMethod        = "method"
	FieldError         = "error"
	FieldStatus        = "status"
	FieldAlias         = "alias"
	FieldVersion       = "version"
	FieldRemotePath    = "remote_path"
	FieldLocalPath     = "local_path"
	FieldCapability    = "capability"
	FieldRequestID     = "request_id"
	FieldState         = "state"
	FieldTarget        = "target"
	FieldExitStatus    = "exit_status"
	FieldStderr        = "stderr"
	FieldHashHex       = "hash_hex"
	FieldDuration      = "duration"
)
