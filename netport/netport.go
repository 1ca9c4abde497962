// Package netport implements NetPortManager: creating, destroying and
// listing the muxed net links used to demultiplex QMAP-framed traffic
// carried over a single physical data port, backed by either the rmnet
// kernel driver (via netlink) or qmi_wwan's own mux sysfs knobs.
package netport

import (
	"context"
	"fmt"
	"time"

	"github.com/openqmi/qmicore/qmiconfig"
	"github.com/openqmi/qmicore/qmierr"
)

// MuxID identifies one muxed link's QMAP multiplexer id.
type MuxID byte

const (
	// MuxIDUnbound means "no specific mux id", used when creating a link
	// whose frames aren't QMAP-muxed at all.
	MuxIDUnbound MuxID = 0
	// MuxIDAutomatic asks NetPortManager to pick the first free mux id in
	// [MuxIDMin, MuxIDMax] by probing the ifname namespace.
	MuxIDAutomatic MuxID = 0xFF
	// MuxIDMin and MuxIDMax bound the assignable mux id range.
	MuxIDMin MuxID = 1
	MuxIDMax MuxID = 254
)

// LinkFlags selects the optional QMAP checksum-offload behavior of a link.
type LinkFlags struct {
	IngressMapChecksum bool
	EgressMapChecksum  bool
}

// NetPortManager creates and destroys muxed net links over one physical
// data port.
type NetPortManager interface {
	// AddLink creates a new muxed link multiplexing muxID over baseIface,
	// naming it ifnamePrefix followed by a mux-id-derived suffix. It
	// returns the created interface's name.
	AddLink(ctx context.Context, baseIface string, muxID MuxID, ifnamePrefix string, flags LinkFlags) (string, error)

	// DelLink destroys the named muxed link.
	DelLink(ctx context.Context, ifname string) error

	// DelAllLinks destroys every muxed link whose name carries the given
	// prefix.
	DelAllLinks(ctx context.Context, ifnamePrefix string) error

	// ListLinks returns the names of every muxed link currently present
	// under the given prefix.
	ListLinks(ctx context.Context, ifnamePrefix string) ([]string, error)
}

// New selects a NetPortManager backend appropriate for format: rmnet for
// QMAP pass-through, qmi_wwan's own mux sysfs for raw-ip over a qmi_wwan
// interface, and Unsupported for 802-3, which carries no QMAP framing to
// demultiplex in the first place.
func New(format qmiconfig.DataFormat, wwanIface string, metrics metricsRecorder) (NetPortManager, error) {
	switch format {
	case qmiconfig.DataFormat802_3:
		return nil, qmierr.New(qmierr.Unsupported, "no NetPortManager backend multiplexes links over 802-3 framing")
	case qmiconfig.DataFormatQMAPPassThrough:
		return newRmnetManager(metrics)
	case qmiconfig.DataFormatRawIP:
		if wwanIface == "" {
			return nil, qmierr.New(qmierr.WrongState, "qmi_wwan mux backend requires a discovered wwan interface")
		}
		return newQMIWWANManager(wwanIface, metrics), nil
	default:
		return nil, qmierr.Newf(qmierr.InvalidArgs, "unknown expected data format %q", format)
	}
}

func ifnameForMuxID(prefix string, muxID MuxID) string {
	return fmt.Sprintf("%s%d", prefix, int(muxID)-1)
}

// metricsRecorder is the narrow slice of observability.Metrics netport
// needs; nil is valid and treated as a no-op recorder.
type metricsRecorder interface {
	RecordNetlinkRoundTrip(operation, status string, duration time.Duration)
	SetActiveMuxLinks(backend string, count int)
}

type noopMetrics struct{}

func (noopMetrics) RecordNetlinkRoundTrip(string, string, time.Duration) {}
func (noopMetrics) SetActiveMuxLinks(string, int)                       {}
