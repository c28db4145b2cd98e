package model

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrTagValidation marks errors caused by a malformed request or payload
	ErrTagValidation = goerr.NewTag("validation")
	// ErrTagSecurity marks errors caused by a failed authenticity check
	ErrTagSecurity = goerr.NewTag("security")
	// ErrTagNotFound marks lookups of entities that do not exist
	ErrTagNotFound = goerr.NewTag("not_found")
)

// ErrNoChange can be returned from an update callback passed to a repository
// to abort the write without failing the call.
var ErrNoChange = goerr.New("no change")
