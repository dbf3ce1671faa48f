//go:build linux

package linux

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/pkg"
)

// USBIDPaths lists the usual locations of the usb.ids name database.
var USBIDPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// idNames maps vendor and product ids to the names in usb.ids. It loads on
// first use; a missing database leaves it empty.
type idNames struct {
	once     sync.Once
	paths    []string
	vendors  map[uint16]string
	products map[uint32]string
}

func newIDNames(paths []string) *idNames {
	return &idNames{paths: paths}
}

func (n *idNames) load() {
	n.vendors = map[uint16]string{}
	n.products = map[uint32]string{}
	for _, path := range n.paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		err = n.parse(f)
		f.Close()
		if err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "usb.ids unreadable", "path", path, "error", err)
			continue
		}
		pkg.LogDebug(pkg.ComponentHAL, "usb.ids loaded", "path", path, "vendors", len(n.vendors))
		return
	}
}

// parse reads the vendor section of a usb.ids file: vendor lines
// "vvvv  name" followed by tab-indented product lines "\tpppp  name".
// Class and other sections end it.
func (n *idNames) parse(r io.Reader) error {
	var (
		vendor   uint16
		inVendor bool
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := splitID(line[1:]); ok {
				n.products[uint32(vendor)<<16|uint32(id)] = name
			}
			continue
		}

		id, name, ok := splitID(line)
		if !ok {
			inVendor = false
			continue
		}
		vendor, inVendor = id, true
		n.vendors[vendor] = name
	}
	return sc.Err()
}

func splitID(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(s[5:])
	return uint16(id), name, name != ""
}

// fill supplies a missing manufacturer or product string from the database.
func (n *idNames) fill(desc *hal.Descriptor) {
	if desc.Manufacturer != "" && desc.Product != "" {
		return
	}
	n.once.Do(n.load)
	if desc.Manufacturer == "" {
		desc.Manufacturer = n.vendors[desc.VendorID]
	}
	if desc.Product == "" {
		desc.Product = n.products[uint32(desc.VendorID)<<16|uint32(desc.ProductID)]
	}
}
