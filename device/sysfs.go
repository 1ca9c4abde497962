package device

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/openqmi/qmicore/qmiconfig"
	"github.com/openqmi/qmicore/qmierr"
)

// driverSubsystems lists the sysfs subsystems a cdc-wdm control port can
// show up under, newest kernel first.
var driverSubsystems = []string{"usbmisc", "usb"}

// wwanIfaceName returns the net interface qmi_wwan associated with this
// device's control port, reloading from sysfs every call since interfaces
// can be renamed out from under a long-lived Device. It returns ("",
// false) for any transport with no backing sysfs control port (QRTR) or
// whose driver isn't qmi_wwan.
func (d *Device) wwanIfaceName() (string, bool) {
	if d.path == "" {
		return "", false
	}
	name := filepath.Base(d.path)
	for _, subsystem := range driverSubsystems {
		dir := filepath.Join("/sys/class", subsystem, name, "device", "net")
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) == 0 {
			continue
		}
		iface := entries[0].Name()
		if len(entries) > 1 {
			d.logger.Warn("multiple wwan net interfaces found for control port, using the first",
				"path", d.path, "chosen", iface)
		}
		return iface, true
	}
	return "", false
}

func rawIPSysfsPath(iface string) string {
	return filepath.Join("/sys/class/net", iface, "qmi", "raw_ip")
}

func passThroughSysfsPath(iface string) string {
	return filepath.Join("/sys/class/net", iface, "qmi", "pass_through")
}

func readSysfsFlag(path string) (byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, qmierr.Wrapf(err, qmierr.Failed, "read %s", path)
	}
	s := strings.TrimSpace(string(b))
	if s != "Y" && s != "N" {
		return 0, qmierr.Newf(qmierr.InvalidMessage, "unexpected sysfs value %q in %s", s, path)
	}
	return s[0], nil
}

func writeSysfsFlag(path string, yes bool) error {
	v := "N"
	if yes {
		v = "Y"
	}
	if err := os.WriteFile(path, []byte(v), 0644); err != nil {
		return qmierr.Wrapf(err, qmierr.Failed, "write %s", path)
	}
	return nil
}

// SetExpectedDataFormat negotiates the link-layer framing qmi_wwan hands
// packets to userspace in. Devices whose control port isn't backed by the
// qmi_wwan driver (no wwan interface discoverable in sysfs) silently treat
// this as a no-op: there is nothing to negotiate, and NetPortManager's
// rmnet backend does not read this setting at all.
//
// The two sysfs knobs are written in different orders depending on the
// target format. 802-3 and raw-ip both clear pass_through before touching
// raw_ip. QMAP pass-through is the one format that sets pass_through
// *after* raw_ip rather than before: pass_through=Y only has an effect
// once raw_ip is already Y, so writing it first would be rejected by the
// driver on some kernels.
func (d *Device) SetExpectedDataFormat(ctx context.Context, format qmiconfig.DataFormat) error {
	iface, ok := d.wwanIfaceName()
	if !ok {
		d.mu.Lock()
		d.expectedDataFormat = format
		d.mu.Unlock()
		return nil
	}

	rawIP := rawIPSysfsPath(iface)
	passThrough := passThroughSysfsPath(iface)

	switch format {
	case qmiconfig.DataFormat802_3:
		_ = writeSysfsFlag(passThrough, false)
		if err := writeSysfsFlag(rawIP, false); err != nil {
			return err
		}
	case qmiconfig.DataFormatRawIP:
		_ = writeSysfsFlag(passThrough, false)
		if err := writeSysfsFlag(rawIP, true); err != nil {
			return err
		}
	case qmiconfig.DataFormatQMAPPassThrough:
		if err := writeSysfsFlag(rawIP, true); err != nil {
			return err
		}
		if err := writeSysfsFlag(passThrough, true); err != nil {
			return err
		}
	default:
		return qmierr.Newf(qmierr.InvalidArgs, "unknown expected data format %q", format)
	}

	d.mu.Lock()
	d.expectedDataFormat = format
	d.wwanIface = iface
	d.wwanIfaceValid = true
	d.mu.Unlock()
	return nil
}

// ExpectedDataFormat returns the format last negotiated by
// SetExpectedDataFormat, reading it back from sysfs when a qmi_wwan
// control port backs this device so a format changed by another process
// is observed rather than cached indefinitely.
func (d *Device) ExpectedDataFormat() (qmiconfig.DataFormat, error) {
	iface, ok := d.wwanIfaceName()
	if !ok {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.expectedDataFormat, nil
	}

	rawIPValue, err := readSysfsFlag(rawIPSysfsPath(iface))
	if err != nil {
		return "", err
	}
	if rawIPValue == 'N' {
		return qmiconfig.DataFormat802_3, nil
	}
	passThroughValue, err := readSysfsFlag(passThroughSysfsPath(iface))
	if err == nil && passThroughValue == 'Y' {
		return qmiconfig.DataFormatQMAPPassThrough, nil
	}
	return qmiconfig.DataFormatRawIP, nil
}

// AssociatedNetInterface returns the net interface name cached by the most
// recent SetExpectedDataFormat call, for callers that need to hand it to a
// NetPortManager. It returns ("", false) until a format has been set
// successfully against a qmi_wwan-backed control port.
func (d *Device) AssociatedNetInterface() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wwanIface, d.wwanIfaceValid
}
