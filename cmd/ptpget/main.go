// Command ptpget lists PTP cameras and downloads their photos.
//
// Usage:
//
//	ptpget list [--all]
//	ptpget download [--out DIR]
//	ptpget status
//	ptpget reset
//
// Settings are read from ptpget.toml in the working directory, or from the
// file named by --config. Flags override the file; PTPGET_LOG_LEVEL and
// PTPGET_LOG_JSON override both.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		stop()
		os.Exit(1)
	}
}
