// Package report builds the final dump report and optionally uploads
// it to S3, mirroring the teacher's metrics.Report/S3ReportUploader
// pair. The counters come from internal/stats rather than this
// package's own atomics, since §3 already specifies the Stats type
// the whole core shares.
package report

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/arangobackup/dumpclient/internal/awsutil"
	"github.com/arangobackup/dumpclient/internal/stats"
)

// Report is the final summary of one dump run.
type Report struct {
	StartTime        time.Time     `json:"startTime"`
	EndTime          time.Time     `json:"endTime"`
	Duration         time.Duration `json:"-"`
	DurationString   string        `json:"duration"`
	TotalCollections int64         `json:"totalCollections"`
	TotalBatches     int64         `json:"totalBatches"`
	TotalReceived    int64         `json:"totalReceivedBytes"`
	TotalWritten     int64         `json:"totalWrittenBytes"`
	Errors           []string      `json:"errors,omitempty"`
}

// Generate builds a Report from st, recording the run's errors (if
// any; empty when the run fully succeeded).
func Generate(st *stats.Stats, errs []error) Report {
	end := time.Now()
	duration := end.Sub(st.StartTime())

	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}

	return Report{
		StartTime:        st.StartTime(),
		EndTime:          end,
		Duration:         duration,
		DurationString:   duration.String(),
		TotalCollections: st.TotalCollections(),
		TotalBatches:     st.TotalBatches(),
		TotalReceived:    st.TotalReceived(),
		TotalWritten:     st.TotalWritten(),
		Errors:           msgs,
	}
}

// String renders a human-readable summary for console output.
func (r Report) String() string {
	status := "ok"
	if len(r.Errors) > 0 {
		status = fmt.Sprintf("%d error(s)", len(r.Errors))
	}
	return fmt.Sprintf(
		"Dump completed in %s (%s)\n"+
			"Collections: %d  Batches: %d\n"+
			"Received: %d bytes  Written: %d bytes",
		r.DurationString, status, r.TotalCollections, r.TotalBatches, r.TotalReceived, r.TotalWritten)
}

// Uploader uploads a Report to S3, mirroring the teacher's
// S3ReportUploader.
type Uploader struct {
	client awsutil.S3Client
}

// NewUploader wraps an S3 client for report uploads.
func NewUploader(client awsutil.S3Client) *Uploader {
	return &Uploader{client: client}
}

// Upload writes r as JSON to the given s3:// URI.
func (u *Uploader) Upload(ctx context.Context, uri string, r Report) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("report: invalid S3 URI: %w", err)
	}
	if parsed.Scheme != "s3" {
		return fmt.Errorf("report: invalid S3 URI scheme: %s", parsed.Scheme)
	}

	bucket := parsed.Host
	key := strings.TrimPrefix(parsed.Path, "/")

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}

	contentType := "application/json"
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("report: upload: %w", err)
	}
	return nil
}
