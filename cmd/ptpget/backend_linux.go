//go:build linux

package main

import (
	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/host/hal/linux"
)

func init() {
	registerBackend("linux", func(appConfig) (hal.Backend, error) {
		return linux.NewBackend(), nil
	})
}
