package lake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	BackendDataLake   = "datalake"
	BackendOneLake    = "onelake"
	BackendFilesystem = "filesystem"
)

var (
	ErrAlreadyExists = errors.New("file already exists")
	ErrTokenExchange = errors.New("token exchange failed")
)

// Writer creates a file and writes its whole content in one append+flush.
type Writer interface {
	Backend() string
	CreateFile(ctx context.Context, name string) error
	AppendAndFlush(ctx context.Context, name string, data []byte) error
}

// Authenticator is implemented by writers that obtain credentials once per file.
type Authenticator interface {
	Authenticate(ctx context.Context) (Writer, error)
}

// StatusError is a non-2xx answer from a lake endpoint.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, body)
}

// Retryable reports whether the upstream answer suggests trying again later.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// StepError names the write step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }

// Observer receives the outcome of every Write.
type Observer interface {
	ObserveWrite(backend, outcome string, elapsed time.Duration)
}

// Write runs the authenticate -> create -> append+flush sequence. There is no retry; a file created
// before a failed append is left in place and reported through the returned StepError.
func Write(ctx context.Context, w Writer, name string, data []byte, obs Observer) error {
	if w == nil {
		return fmt.Errorf("nil writer")
	}
	start := time.Now()
	err := write(ctx, w, name, data)
	if obs != nil {
		obs.ObserveWrite(w.Backend(), Outcome(err), time.Since(start))
	}
	return err
}

func write(ctx context.Context, w Writer, name string, data []byte) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("empty file name")
	}
	if auth, ok := w.(Authenticator); ok {
		session, err := auth.Authenticate(ctx)
		if err != nil {
			return &StepError{Step: "authenticate", Err: err}
		}
		w = session
	}
	if err := w.CreateFile(ctx, name); err != nil {
		return &StepError{Step: "create", Err: err}
	}
	if err := w.AppendAndFlush(ctx, name, data); err != nil {
		return &StepError{Step: "append", Err: err}
	}
	return nil
}

// Outcome classifies a Write error for metrics and the delivery ledger.
func Outcome(err error) string {
	var statusErr *StatusError
	switch {
	case err == nil:
		return "landed"
	case errors.Is(err, ErrAlreadyExists):
		return "exists"
	case errors.Is(err, ErrTokenExchange):
		return "token_error"
	case errors.As(err, &statusErr):
		return "upstream_status"
	default:
		return "error"
	}
}
