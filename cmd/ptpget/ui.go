package main

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"

	"github.com/ardnew/ptpusb/pkg"
	"github.com/ardnew/ptpusb/ptp"
)

// terminalObserver shows connection state and a progress bar per object.
type terminalObserver struct {
	bar    *pterm.ProgressbarPrinter
	handle ptp.ObjectHandle
}

var _ ptp.Observer = (*terminalObserver)(nil)

func (t *terminalObserver) OnState(s ptp.State, err error) {
	switch s {
	case ptp.StateConnecting:
		pterm.Info.Println("Connecting to camera")
	case ptp.StateConnected:
		pterm.Success.Println("Camera connected")
	case ptp.StateError:
		t.stop()
		pterm.Error.Println(pkg.Describe(err))
	case ptp.StateDisconnected:
		t.stop()
	}
}

func (t *terminalObserver) OnProgress(p ptp.Progress) {
	if t.bar == nil || t.handle != p.Handle {
		t.stop()
		total := int(p.Total)
		if total <= 0 {
			total = 1
		}
		bar, err := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle(pterm.Sprintf("Photo %d of %d", p.Index+1, p.Count)).
			WithRemoveWhenDone(true).
			Start()
		if err != nil {
			return
		}
		t.bar, t.handle = bar, p.Handle
	}
	if n := int(p.Bytes) - t.bar.Current; n > 0 {
		t.bar.Add(min(n, t.bar.Total-t.bar.Current))
	}
}

func (t *terminalObserver) OnOutcome(o ptp.Outcome) {
	t.stop()
	if !o.OK() {
		pterm.Warning.Println(o.String())
		return
	}
	pterm.Success.Printfln("%s  %s in %s",
		photoName(o.Handle), humanize.Bytes(uint64(o.Bytes)), o.Duration.Round(time.Millisecond))
}

func (t *terminalObserver) stop() {
	if t.bar != nil {
		_, _ = t.bar.Stop()
		t.bar = nil
	}
}

// printReport prints the batch summary line.
func printReport(r ptp.Report) {
	switch r.Status {
	case ptp.StatusCompleted:
		pterm.Success.Printfln("%s (%s)", r.Summary(), humanize.Bytes(uint64(r.Bytes)))
	case ptp.StatusCompletedWithFailures, ptp.StatusNoObjects:
		pterm.Warning.Println(r.Summary())
	default:
		pterm.Error.Println(r.Summary())
	}
}
