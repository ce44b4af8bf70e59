package store

import "fmt"

// DownloadError reports a failed transfer from the server.
type DownloadError struct {
	URL    string
	Status int // zero when no response was received
	Err    error
}

func (e *DownloadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("downloading %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("downloading %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// UploadError reports a failed transfer to a folder or series.
type UploadError struct {
	TargetID   string
	TargetType string
	Status     int
	Err        error
}

func (e *UploadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("uploading to %s %s: status %d: %v", e.TargetType, e.TargetID, e.Status, e.Err)
	}
	return fmt.Sprintf("uploading to %s %s: %v", e.TargetType, e.TargetID, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
