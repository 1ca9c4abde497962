package netport

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openqmi/qmicore/qmierr"
)

// qmiwwanManager manages muxed links over qmi_wwan's own raw-ip mux sysfs
// knobs (add_mux/del_mux under /sys/class/net/<iface>/qmi/), the backend
// used when the data port's expected format is raw-ip rather than QMAP
// pass-through handed off to rmnet.
type qmiwwanManager struct {
	iface   string
	metrics metricsRecorder
}

func newQMIWWANManager(wwanIface string, metrics metricsRecorder) *qmiwwanManager {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &qmiwwanManager{iface: wwanIface, metrics: metrics}
}

func (m *qmiwwanManager) qmiDir() string {
	return filepath.Join("/sys/class/net", m.iface, "qmi")
}

func (m *qmiwwanManager) addMuxPath() string { return filepath.Join(m.qmiDir(), "add_mux") }
func (m *qmiwwanManager) delMuxPath() string { return filepath.Join(m.qmiDir(), "del_mux") }

func (m *qmiwwanManager) record(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordNetlinkRoundTrip(operation, status, time.Since(start))
}

// AddLink implements NetPortManager. baseIface is ignored: every muxed link
// this backend creates rides the same qmi_wwan control interface.
func (m *qmiwwanManager) AddLink(ctx context.Context, baseIface string, muxID MuxID, ifnamePrefix string, flags LinkFlags) (ifname string, err error) {
	start := time.Now()
	defer func() { m.record("add-link", start, err) }()

	if muxID == MuxIDUnbound {
		return "", qmierr.New(qmierr.InvalidArgs, "qmi_wwan mux links require a bound mux id")
	}
	if muxID == MuxIDAutomatic {
		muxID, err = m.firstFreeMuxID(ifnamePrefix)
		if err != nil {
			return "", err
		}
	}

	raw, err := os.ReadFile(m.addMuxPath())
	if err != nil {
		return "", qmierr.Wrapf(err, qmierr.Failed, "add_mux %d on %s", muxID, m.iface)
	}
	if err := os.WriteFile(m.addMuxPath(), []byte(strconv.Itoa(int(muxID))), 0644); err != nil {
		return "", qmierr.Wrapf(err, qmierr.Failed, "add_mux %d on %s", muxID, m.iface)
	}

	name := strings.TrimSpace(string(raw))
	if name == "" {
		name = ifnameForMuxID(ifnamePrefix, muxID)
	}
	return name, nil
}

// DelLink implements NetPortManager.
func (m *qmiwwanManager) DelLink(ctx context.Context, ifname string) (err error) {
	start := time.Now()
	defer func() { m.record("del-link", start, err) }()

	muxID, ok := m.muxIDFromIfname(ifname)
	if !ok {
		return qmierr.Newf(qmierr.InvalidArgs, "cannot recover a mux id from interface name %q", ifname)
	}
	if err := os.WriteFile(m.delMuxPath(), []byte(strconv.Itoa(int(muxID))), 0644); err != nil {
		return qmierr.Wrapf(err, qmierr.Failed, "del_mux %d on %s", muxID, m.iface)
	}
	return nil
}

// DelAllLinks implements NetPortManager.
func (m *qmiwwanManager) DelAllLinks(ctx context.Context, ifnamePrefix string) error {
	names, err := m.ListLinks(ctx, ifnamePrefix)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := m.DelLink(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// ListLinks implements NetPortManager by probing sysfs for existing
// rmnet_data-style sibling interfaces of the control iface, the same
// ifname-namespace probing rmnetManager.ListLinks uses since the
// kernel exposes no direct "list configured muxes" sysfs file either.
func (m *qmiwwanManager) ListLinks(ctx context.Context, ifnamePrefix string) ([]string, error) {
	var names []string
	for id := MuxIDMin; id <= MuxIDMax; id++ {
		name := ifnameForMuxID(ifnamePrefix, id)
		if _, err := os.Stat(filepath.Join("/sys/class/net", name)); err == nil {
			names = append(names, name)
		}
	}
	m.metrics.SetActiveMuxLinks("qmi-wwan", len(names))
	return names, nil
}

func (m *qmiwwanManager) firstFreeMuxID(ifnamePrefix string) (MuxID, error) {
	existing, err := m.ListLinks(context.Background(), ifnamePrefix)
	if err != nil {
		return 0, err
	}
	taken := make(map[string]bool, len(existing))
	for _, name := range existing {
		taken[name] = true
	}
	for id := MuxIDMin; id <= MuxIDMax; id++ {
		if !taken[ifnameForMuxID(ifnamePrefix, id)] {
			return id, nil
		}
	}
	return 0, qmierr.New(qmierr.Failed, "no free mux id available")
}

// muxIDFromIfname recovers the mux id ifnameForMuxID encoded in its name's
// trailing digits.
func (m *qmiwwanManager) muxIDFromIfname(ifname string) (MuxID, bool) {
	i := len(ifname)
	for i > 0 && ifname[i-1] >= '0' && ifname[i-1] <= '9' {
		i--
	}
	if i == len(ifname) || i == 0 {
		return 0, false
	}
	suffix, err := strconv.Atoi(ifname[i:])
	if err != nil {
		return 0, false
	}
	return MuxID(suffix + 1), true
}
