package models

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindAuthFailure    ErrorKind = "auth_failure"
	KindTransientFetch ErrorKind = "transient_fetch"
	KindDataIncomplete ErrorKind = "data_incomplete"
	KindSessionExpired ErrorKind = "session_expired"
	KindPersistence    ErrorKind = "persistence"
	KindUnknown        ErrorKind = "unknown"
)

// CrawlError tags an error with its place in the failure taxonomy. Two
// CrawlErrors match under errors.Is when their kinds are equal, so the
// sentinels below can be used for classification.
type CrawlError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *CrawlError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return string(e.Kind)
	}
}

func (e *CrawlError) Unwrap() error { return e.Err }

func (e *CrawlError) Is(target error) bool {
	t, ok := target.(*CrawlError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

var (
	ErrAuthFailure    = &CrawlError{Kind: KindAuthFailure}
	ErrTransientFetch = &CrawlError{Kind: KindTransientFetch}
	ErrDataIncomplete = &CrawlError{Kind: KindDataIncomplete}
	ErrSessionExpired = &CrawlError{Kind: KindSessionExpired}
	ErrPersistence    = &CrawlError{Kind: KindPersistence}
)

func NewCrawlError(kind ErrorKind, op string, err error) error {
	return &CrawlError{Kind: kind, Op: op, Err: err}
}

func AuthFailure(op string, err error) error    { return NewCrawlError(KindAuthFailure, op, err) }
func TransientFetch(op string, err error) error { return NewCrawlError(KindTransientFetch, op, err) }
func DataIncomplete(op string, err error) error { return NewCrawlError(KindDataIncomplete, op, err) }
func SessionExpired(op string, err error) error { return NewCrawlError(KindSessionExpired, op, err) }
func Persistence(op string, err error) error    { return NewCrawlError(KindPersistence, op, err) }

// KindOf returns the taxonomy kind of err, or KindUnknown for untagged errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}
