package contracts

// Stable error codes surfaced in receipt result.error.code.
const (
	CodeUnknownTool       = "unknown_tool"
	CodeValidationError   = "validation_error"
	CodeTimeout           = "timeout"
	CodeExecutionError    = "execution_error"
	CodeIntegrationAPI    = "integration_api_error"
	CodeIntegrationAuth   = "integration_auth_failed"
	CodeIntegrationNotCfg = "integration_not_configured"
	CodeLeaseExhausted    = "lease_exhausted"
	CodeMissingReceipt    = "missing_receipt"
	CodeOutputValidation  = "output_validation_error"
)

// Outcome is the tagged result a handler returns to the executor.
// Exactly one of Success, NotConfigured, Failure implements it; the worker
// narrows at its boundary and never lets a loose shape through.
type Outcome interface {
	outcome()
}

// Success carries the tool result and the declared side effects.
type Success struct {
	Result  map[string]any
	Effects Effects
}

// NotConfigured is a first-class terminal state for tools whose external
// dependency is absent. It is not a failure.
type NotConfigured struct {
	Reason      string
	RequiredEnv []string
	NextSteps   []string
}

// Failure is a terminal handler error with a stable code.
type Failure struct {
	Code    string
	Message string
	Details map[string]any
}

func (Success) outcome()       {}
func (NotConfigured) outcome() {}
func (Failure) outcome()       {}

// FailureResult builds the receipt result object for a failed call.
func FailureResult(code, message string, details map[string]any) map[string]any {
	if details == nil {
		details = map[string]any{}
	}
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": details,
		},
	}
}

// NotConfiguredResult builds the receipt result object for a not_configured call.
func NotConfiguredResult(reason string, requiredEnv, nextSteps []string) map[string]any {
	result := map[string]any{
		"reason":     reason,
		"next_steps": nextSteps,
	}
	if len(requiredEnv) > 0 {
		result["required_env"] = requiredEnv
	}
	return result
}
