//go:build cgo

package main

import (
	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/host/hal/libusb"
)

func init() {
	registerBackend("libusb", func(appConfig) (hal.Backend, error) {
		return libusb.NewBackend(), nil
	})
}
