package model

import "github.com/rotisserie/eris"

// Engine error taxonomy. Callers match with errors.Is.
var (
	ErrNotFound             = eris.New("not found")
	ErrUpstreamUnavailable  = eris.New("upstream unavailable")
	ErrInvalidMergeRequest  = eris.New("invalid merge request")
	ErrAlreadyMerged        = eris.New("group already merged")
	ErrMergeInProgress      = eris.New("conflicting merge in progress")
	ErrUpstreamUpdateFailed = eris.New("upstream update failed")
	ErrQuotaExceeded        = eris.New("quota exceeded")
	ErrRunInProgress        = eris.New("run already in progress")
	ErrInvalidTransition    = eris.New("invalid process transition")
	ErrStaleProcess         = eris.New("process changed concurrently")
)
