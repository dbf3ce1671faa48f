package ptp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"

	"github.com/ardnew/ptpusb/pkg"
)

// SinkOpener supplies an open destination for each downloaded object.
type SinkOpener interface {
	OpenSink(h ObjectHandle) (io.WriteCloser, error)
}

// SinkOpenerFunc adapts a function to the SinkOpener interface.
type SinkOpenerFunc func(h ObjectHandle) (io.WriteCloser, error)

// OpenSink calls f(h).
func (f SinkOpenerFunc) OpenSink(h ObjectHandle) (io.WriteCloser, error) { return f(h) }

// Status summarizes a batch download.
type Status int

// Batch statuses.
const (
	StatusCompleted Status = iota
	StatusCompletedWithFailures
	StatusNoObjects
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCompletedWithFailures:
		return "completed with failures"
	case StatusNoObjects:
		return "no objects"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome records the result of one object download.
type Outcome struct {
	Handle   ObjectHandle
	Index    int
	Bytes    int64
	Duration time.Duration
	Err      error
}

// OK reports whether the object was downloaded in full.
func (o Outcome) OK() bool {
	return o.Err == nil
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("object 0x%08x: %s", uint32(o.Handle), pkg.Describe(o.Err))
	}
	return fmt.Sprintf("object 0x%08x: %d bytes", uint32(o.Handle), o.Bytes)
}

// Report is the result of DownloadAll.
type Report struct {
	Status   Status
	Handles  []ObjectHandle
	Outcomes []Outcome
	Bytes    int64
	Err      error // cause of an abort
}

// Succeeded returns the number of objects downloaded in full.
func (r *Report) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed returns the objects that could not be downloaded.
func (r *Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Summary returns a one-line status for display.
func (r *Report) Summary() string {
	switch r.Status {
	case StatusCompleted:
		return fmt.Sprintf("Done: %d of %d photos downloaded", r.Succeeded(), len(r.Handles))
	case StatusCompletedWithFailures:
		return fmt.Sprintf("Done: %d of %d photos downloaded, %d failed",
			r.Succeeded(), len(r.Handles), len(r.Failed()))
	case StatusNoObjects:
		return "No photos found"
	default:
		return pkg.Describe(r.Err)
	}
}

// DownloadAll opens a session, lists every object and downloads each into a
// sink from sinks.
//
// A failed object is recorded in the report and the batch moves on. A failed
// OpenSession or object listing aborts the batch. conn is closed exactly once
// before DownloadAll returns, whatever the outcome; the returned error
// combines an abort cause with any close error.
func DownloadAll(ctx context.Context, conn *Conn, sinks SinkOpener, obs Observer) (report Report, err error) {
	if obs == nil {
		obs = NopObserver{}
	}
	defer func() {
		err = multierr.Append(err, conn.Close())
	}()

	cfg := conn.Config()
	if err := conn.OpenSession(ctx, cfg.SessionID); err != nil {
		var request *pkg.RequestError
		if !errors.As(err, &request) || ResponseCode(request.Code) != RCSessionAlreadyOpen {
			return abort(report, err)
		}
		pkg.LogInfo(pkg.ComponentSession, "session already open", "session", cfg.SessionID)
	}

	handles, err := conn.GetObjectHandles(ctx, AllStorage, AnyFormat, AnyParent)
	if err != nil {
		return abort(report, err)
	}
	report.Handles = handles
	if len(handles) == 0 {
		report.Status = StatusNoObjects
		return report, nil
	}

	for i, h := range handles {
		if ctx.Err() != nil {
			report.Outcomes = append(report.Outcomes, Outcome{Handle: h, Index: i, Err: ctx.Err()})
			continue
		}

		o := download(ctx, conn, sinks, obs, h, i, len(handles))
		report.Outcomes = append(report.Outcomes, o)
		report.Bytes += o.Bytes
		obs.OnOutcome(o)

		if o.Err != nil {
			pkg.LogWarn(pkg.ComponentSession, "object failed", "handle", uint32(h), "error", o.Err)
		}
	}

	report.Status = StatusCompleted
	if len(report.Failed()) > 0 {
		report.Status = StatusCompletedWithFailures
	}
	if err := ctx.Err(); err != nil {
		return abort(report, err)
	}
	return report, nil
}

func abort(r Report, err error) (Report, error) {
	r.Status = StatusAborted
	r.Err = err
	return r, err
}

func download(ctx context.Context, conn *Conn, sinks SinkOpener, obs Observer, h ObjectHandle, index, count int) Outcome {
	start := time.Now()
	o := Outcome{Handle: h, Index: index}

	w, err := sinks.OpenSink(h)
	if err != nil {
		o.Err = fmt.Errorf("open sink for object 0x%08x: %w", uint32(h), err)
		return o
	}

	n, err := conn.getObject(ctx, h, w, func(c Chunk) {
		obs.OnProgress(Progress{
			Handle: h,
			Index:  index,
			Count:  count,
			Bytes:  c.Cumulative,
			Total:  c.TotalSize,
		})
	})
	o.Bytes = n
	o.Err = multierr.Append(err, w.Close())
	o.Duration = time.Since(start)
	return o
}
