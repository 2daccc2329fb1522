package errors

// Convenience constructors for the error kinds the lifecycle engine raises.

// Configuration errors

func ConfigurationError(message string) *Error {
	return New(CategoryConfig, SeverityFatal, message)
}

func ConfigurationRequired(field string) *Error {
	return New(CategoryConfig, SeverityFatal, "required option missing").
		WithContext("field", field)
}

func ParamsFileError(path string, cause error) *Error {
	return Wrap(cause, CategoryConfig, SeverityFatal, "invalid parameter file").
		WithContext("path", path)
}

// Conflict errors

func ConflictError(message, path string) *Error {
	return New(CategoryConflict, SeverityFatal, message).
		WithContext("path", path)
}

// Source errors

func SourceError(remote string, cause error) *Error {
	return Wrap(cause, CategorySource, SeverityFatal, "workflow checkout failed").
		WithContext("remote", remote)
}

// Execution errors

func ExecutionError(workflow string, exitCode int) *Error {
	return New(CategoryExecution, SeverityFatal, "workflow returned non-zero exit status").
		WithContext("workflow", workflow).
		WithContext("exit_code", exitCode)
}

func ExecutionStartError(workflow string, cause error) *Error {
	return Wrap(cause, CategoryExecution, SeverityFatal, "workflow could not be started").
		WithContext("workflow", workflow)
}

// Filesystem errors

func FilesystemError(operation string, cause error) *Error {
	return Wrap(cause, CategoryFilesystem, SeverityFatal, "filesystem operation failed").
		WithContext("operation", operation)
}

// Daemon errors

func DaemonError(message string, cause error) *Error {
	return Wrap(cause, CategoryDaemon, SeverityFatal, message)
}
