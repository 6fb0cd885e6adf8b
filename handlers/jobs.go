package handlers

import (
	"errors"
	"net/http"

	"github.com/hashicorp/go-multierror"

	"licensedesk.app/server/internal/scheduler"
)

type SweepResponse struct {
	Expired int64 `json:"expired"`
}

type ReminderResponse struct {
	Sent    int      `json:"sent"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

func (s *Server) RunExpirationSweep(w http.ResponseWriter, r *http.Request) {
	expired, err := s.options.Jobs.RunSweepNow(r.Context())
	if errors.Is(err, scheduler.ErrJobRunning) {
		writeErrorResponse(w, http.StatusConflict, "Expiration sweep is already running")
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Expired: expired})
}

// RunExpirationReminders answers 200 even when some sends failed; the
// failures are listed in the body.
func (s *Server) RunExpirationReminders(w http.ResponseWriter, r *http.Request) {
	result, err := s.options.Jobs.RunRemindersNow(r.Context())
	if errors.Is(err, scheduler.ErrJobRunning) {
		writeErrorResponse(w, http.StatusConflict, "Expiration reminders are already running")
		return
	}

	response := ReminderResponse{Sent: result.Sent, Skipped: result.Skipped, Failed: result.Failed}
	if err != nil {
		if result.Failed == 0 {
			writeServiceError(w, r, err)
			return
		}
		response.Errors = unwrapErrors(err)
	}
	writeJSON(w, http.StatusOK, response)
}

func unwrapErrors(err error) []string {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		out := make([]string, 0, len(merr.Errors))
		for _, e := range merr.Errors {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
