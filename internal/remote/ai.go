package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// JobState is the provider-side state of an AI job
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Terminal reports whether polling can stop
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// JobPayload is what a transcription or summary job is submitted with.
// Transcription jobs reference the uploaded audio; summary jobs carry text.
type JobPayload struct {
	RecordingID string    `json:"recordingId"`
	AudioKey    string    `json:"audioKey,omitempty"`
	Text        string    `json:"text,omitempty"`
	Title       string    `json:"title,omitempty"`
	Category    string    `json:"category,omitempty"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// JobStatus is one PollStatus result
type JobStatus struct {
	State JobState `json:"state"`
	Text  string   `json:"text,omitempty"`
	Error string   `json:"error,omitempty"`
}

// AI submits jobs to the transcription/summary provider
type AI struct {
	client *HTTPClient
}

// NewAI wraps client
func NewAI(client *HTTPClient) *AI {
	return &AI{client: client}
}

// SubmitJob starts a job of kind and returns the provider's job id
func (a *AI) SubmitJob(ctx context.Context, kind string, payload JobPayload) (string, error) {
	body := struct {
		Kind string `json:"kind"`
		JobPayload
	}{Kind: kind, JobPayload: payload}

	var out struct {
		JobID string `json:"jobId"`
	}
	if err := a.client.doJSON(ctx, http.MethodPost, "/v1/jobs", body, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("submit %s job: empty job id", kind)
	}
	return out.JobID, nil
}

// PollStatus returns the current state of jobID
func (a *AI) PollStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var out JobStatus
	err := a.client.doJSON(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &out)
	return out, err
}
