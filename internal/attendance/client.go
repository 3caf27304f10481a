package attendance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"checkin-scanner/internal/auth"
	"checkin-scanner/internal/scan"
)

// OutcomeKind classifies the result of submitting a scan. The UI behaves
// differently for each kind, so callers must not collapse them.
type OutcomeKind string

const (
	OutcomeRecorded        OutcomeKind = "recorded"
	OutcomeAlreadyRecorded OutcomeKind = "already_recorded"
	OutcomeRecordNotFound  OutcomeKind = "record_not_found"
	OutcomeUnauthorized    OutcomeKind = "unauthorized"
	OutcomeServerError     OutcomeKind = "server_error"
)

// Outcome is the user-facing translation of the backend's response to one
// check-in attempt.
type Outcome struct {
	Kind           OutcomeKind `json:"kind"`
	DisplayName    string      `json:"display_name,omitempty"`    // set for recorded
	AttendanceType string      `json:"attendance_type,omitempty"` // set for recorded: beneficiary or guest
	Reason         string      `json:"reason,omitempty"`          // set for already_recorded
	Message        string      `json:"message,omitempty"`         // set for server_error
}

// Record is the backend's attendance record as returned on a successful
// check-in. The scanner only reads it back for display, it never stores it.
type Record struct {
	ID             int64  `json:"id"`
	ActivityID     int64  `json:"activityId"`
	PersonID       *int64 `json:"personId"`
	AttendanceType string `json:"attendanceType"`
	Method         string `json:"method"`
	Timestamp      string `json:"timestamp"`
}

// Client calls the attendance backend.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	tokens  *auth.TokenSource
}

// New creates a client against the given base URL. Check-in calls are quick
// on the backend side, so the timeout is short: a stuck submission should
// surface as a server error rather than freeze the scan session.
func New(baseURL string, tokens *auth.TokenSource) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SubmitScan submits an accepted payload for the given activity track and
// maps the response onto an Outcome. The returned error is non-nil only for
// transport-level failures (connection refused, timeout); every HTTP status
// the backend can answer with maps to an Outcome instead. No retry is
// attempted, a rescan re-enters through the normal loop.
func (c *Client) SubmitScan(ctx context.Context, p scan.Payload, activityTrackID int64) (Outcome, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"qrData": map[string]interface{}{
			"recordId":    p.RecordID,
			"displayName": p.DisplayName,
		},
		"activityTrackId": activityTrackID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/attendance-records/qr-scan", bytes.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	c.setHeaders(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("attendance service request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		var out struct {
			AttendanceRecord Record `json:"attendanceRecord"`
		}
		// A 201 with an undecodable body is still a recorded check-in.
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return Outcome{
			Kind:           OutcomeRecorded,
			DisplayName:    p.DisplayName,
			AttendanceType: out.AttendanceRecord.AttendanceType,
		}, nil

	case http.StatusUnauthorized:
		return Outcome{Kind: OutcomeUnauthorized}, nil

	case http.StatusNotFound:
		return Outcome{Kind: OutcomeRecordNotFound}, nil

	case http.StatusConflict:
		reason := "attendance already recorded"
		var out struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && out.Error != "" {
			reason = out.Error
		}
		return Outcome{Kind: OutcomeAlreadyRecorded, Reason: reason}, nil

	default:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return Outcome{
			Kind:    OutcomeServerError,
			Message: fmt.Sprintf("attendance service error %s: %s", resp.Status, string(bodyBytes)),
		}, nil
	}
}

// StartScanning flips the server-side scanning-active flag for an activity
// track so other viewers of the activity see the session as live.
func (c *Client) StartScanning(ctx context.Context, activityTrackID int64) error {
	return c.putToggle(ctx, activityTrackID, "start-scanning")
}

// StopScanning clears the server-side scanning-active flag. Callers treat a
// failure as non-fatal: the local camera stops either way.
func (c *Client) StopScanning(ctx context.Context, activityTrackID int64) error {
	return c.putToggle(ctx, activityTrackID, "stop-scanning")
}

func (c *Client) putToggle(ctx context.Context, activityTrackID int64, action string) error {
	url := fmt.Sprintf("%s/activity-tracks/%d/%s", c.BaseURL, activityTrackID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("attendance service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("attendance service error %s: %s", resp.Status, string(bodyBytes))
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		if tok := c.tokens.Bearer(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
}
