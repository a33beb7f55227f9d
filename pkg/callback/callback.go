// Package callback implements the channel through which workers report job
// outcomes back to the API: the Authenticator on the API side and the
// Reporter on the worker side.
package callback

import (
	"crypto/subtle"
	"errors"
	"log/slog"

	"github.com/imalyk/go-ofx-processor/pkg/job"
)

// SecretHeader carries the shared worker secret.
const SecretHeader = "X-Worker-Secret"

var (
	ErrUnauthorized  = errors.New("invalid worker credential")
	ErrUnknownJob    = errors.New("unknown job")
	ErrInvalidStatus = errors.New("invalid status")
)

// Body is the wire form of a status report.
type Body struct {
	Status     job.Status `json:"status"`
	OutputPath *string    `json:"outputPath,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

// Authenticator validates inbound reports and applies them to the store.
type Authenticator struct {
	secret []byte
	store  *job.Store
	logger *slog.Logger
}

// NewAuthenticator returns an authenticator accepting only secret. An empty
// secret rejects every report.
func NewAuthenticator(secret string, store *job.Store, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		secret: []byte(secret),
		store:  store,
		logger: logger.With("component", "callback"),
	}
}

func (a *Authenticator) authorized(credential string) bool {
	if len(a.secret) == 0 || credential == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(credential), a.secret) == 1
}

// Apply checks credential, job and status in that order and then hands the
// transition to the store. A report that would move a finished job back to
// processing is acknowledged without effect.
func (a *Authenticator) Apply(credential, jobID string, body Body) error {
	if !a.authorized(credential) {
		return ErrUnauthorized
	}
	if _, ok := a.store.Get(jobID); !ok {
		return ErrUnknownJob
	}
	if !body.Status.Reportable() {
		return ErrInvalidStatus
	}

	err := a.store.UpdateStatus(jobID, job.Update{
		Status:     body.Status,
		OutputPath: body.OutputPath,
		Error:      body.Error,
	})
	switch {
	case err == nil:
		a.logger.Info("job status updated", "job_id", jobID, "status", body.Status)
		return nil
	case errors.Is(err, job.ErrStatusRegression):
		a.logger.Debug("ignored report for finished job", "job_id", jobID, "status", body.Status)
		return nil
	case errors.Is(err, job.ErrNotFound):
		return ErrUnknownJob
	case errors.Is(err, job.ErrMissingOutput):
		return errors.Join(ErrInvalidStatus, err)
	default:
		return err
	}
}
