// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	// filesystem path of the key record or a preference file
	Path = "path"

	// a local account name, e.g. the FileVault enabled user
	User = "user"

	ServerURL = "server_url"

	// HTTP status code of an escrow response
	Status = "status"

	// correlates all log lines of a single agent invocation
	RunID = "run_id"

	// a preference (option) name
	Option = "option"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
