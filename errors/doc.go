// Package errors provides standardized error handling for the router and
// module host.
//
// WrapTransient, WrapInvalid and WrapFatal tag an error with a Class that
// IsTransient, IsInvalid and IsFatal read back. Wrap helpers follow the
// "component.method: action failed: %w" convention so every error names
// where it came from.
//
// The routing taxonomy is exposed as sentinels that work with errors.Is:
//
//	ErrInvalidTransition   registry, caller retries with the correct order
//	ErrModuleNotActive     process outside the active state
//	ErrDuplicateID         definition create with an existing id
//	ErrUnknownReference    definition references a missing module or rule
//	ErrNotFound            addressed entity does not exist
//	ErrNoRoute             informational, message matched no pipeline
//	ErrModuleProcess       per-module fault, isolated by the router
//	ErrTimeout             module deadline exceeded, handled as ErrModuleProcess
//	ErrBrokerDisconnected  transport link down
//	ErrStorageUnavailable  definition store write failed
//
// CodeOf maps any error chain onto the stable Code values returned by the
// administrative API.
package errors
