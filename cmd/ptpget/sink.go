package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ardnew/ptpusb/ptp"
)

// photoName returns the file name a downloaded object is saved under.
func photoName(h ptp.ObjectHandle) string {
	return fmt.Sprintf("photo_%d.jpg", uint32(h))
}

// fileSinks saves each object as a file in dir.
type fileSinks struct {
	dir string
}

func (s fileSinks) path(h ptp.ObjectHandle) string {
	return filepath.Join(s.dir, photoName(h))
}

func (s fileSinks) OpenSink(h ptp.ObjectHandle) (io.WriteCloser, error) {
	return os.Create(s.path(h))
}

// discard removes the partial files of failed downloads.
func (s fileSinks) discard(failed []ptp.Outcome) error {
	for _, o := range failed {
		if err := os.Remove(s.path(o.Handle)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
