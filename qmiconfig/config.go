// Package qmiconfig holds the construction options for a device.Device:
// timeouts for each step of the open sequence, the expected data format
// to negotiate, and a couple of testing-only escape hatches. It is
// intentionally narrow: infrastructure concerns like logging sinks or
// metrics exporters are wired by the embedding host, not read from here.
package qmiconfig

import (
	"fmt"
	"time"
)

// DataFormat is the link-layer framing a Device negotiates with the modem
// for its data ports.
type DataFormat string

const (
	// DataFormat802_3 is plain Ethernet framing. No NetPortManager backend
	// in this module supports it; any component asked to set up a link
	// under this format reports Unsupported.
	DataFormat802_3 DataFormat = "802-3"
	// DataFormatRawIP carries raw IP packets, one per transfer, and is
	// the format the qmi-wwan NetPortManager backend operates under.
	DataFormatRawIP DataFormat = "raw-ip"
	// DataFormatQMAPPassThrough is raw IP with QMAP multiplexing headers
	// passed through to userspace, the format the rmnet backend expects.
	DataFormatQMAPPassThrough DataFormat = "qmap-pass-through"
)

// Config is the full set of options a caller can set when opening a
// Device.
type Config struct {
	// ExpectedDataFormat is negotiated during Device.Open's data-format
	// step, and again whenever a caller explicitly resets it afterward.
	ExpectedDataFormat DataFormat `json:"expected_data_format"`

	// UseProxy routes the QMUX endpoint through qmi-proxy instead of
	// opening the character device exclusively. The MBIM and QRTR
	// endpoints have no proxy mode; their Open fails with an unsupported
	// error when this is set.
	UseProxy bool `json:"use_proxy"`

	// OpenTimeout bounds the endpoint-level Open call (step 3 of the open
	// sequence).
	OpenTimeout time.Duration `json:"open_timeout"`

	// VersionInfoTimeout bounds each individual GET_VERSION_INFO attempt;
	// VersionInfoRetries is how many attempts are made before giving up.
	VersionInfoTimeout  time.Duration `json:"version_info_timeout"`
	VersionInfoRetries  int           `json:"version_info_retries"`

	// SyncTimeout bounds each individual SYNC attempt; SyncRetries is how
	// many attempts are made before giving up.
	SyncTimeout time.Duration `json:"sync_timeout"`
	SyncRetries int           `json:"sync_retries"`

	// DataFormatTimeout is checked by Validate; the sysfs writes of the
	// expected-data-format step are not bounded by it.
	DataFormatTimeout time.Duration `json:"data_format_timeout"`

	// IndicationsTimeout bounds the final open-sequence step of enabling
	// indications.
	IndicationsTimeout time.Duration `json:"indications_timeout"`

	// DefaultCommandTimeout is used by Device.Command* when the caller's
	// context carries no deadline of its own.
	DefaultCommandTimeout time.Duration `json:"default_command_timeout"`

	// NoFileCheck skips the check that the device path exists, which Open
	// otherwise performs before touching the character device, for tests that
	// exercise the open sequence against an in-memory transport with no
	// backing file on disk.
	NoFileCheck bool `json:"no_file_check"`
}

// Default returns the configuration the teacher's equivalent open
// sequence uses when a caller supplies no overrides: a 5-second endpoint
// open, 3 version-info and 3 sync attempts at 2 seconds each, a 2-second
// data-format timeout value, and a 10-second indications setup, matching
// spec.md's documented step timeouts.
func Default() Config {
	return Config{
		ExpectedDataFormat:    DataFormatRawIP,
		OpenTimeout:           5 * time.Second,
		VersionInfoTimeout:    2 * time.Second,
		VersionInfoRetries:    3,
		SyncTimeout:           2 * time.Second,
		SyncRetries:           3,
		DataFormatTimeout:     2 * time.Second,
		IndicationsTimeout:    10 * time.Second,
		DefaultCommandTimeout: 10 * time.Second,
	}
}

// Validate reports the first configuration error found, or nil.
func (c Config) Validate() error {
	switch c.ExpectedDataFormat {
	case DataFormat802_3, DataFormatRawIP, DataFormatQMAPPassThrough:
	default:
		return fmt.Errorf("qmiconfig: unknown expected data format %q", c.ExpectedDataFormat)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("qmiconfig: open timeout must be positive")
	}
	if c.VersionInfoRetries < 1 {
		return fmt.Errorf("qmiconfig: version info retries must be at least 1")
	}
	if c.SyncRetries < 1 {
		return fmt.Errorf("qmiconfig: sync retries must be at least 1")
	}
	if c.VersionInfoTimeout <= 0 || c.SyncTimeout <= 0 || c.DataFormatTimeout <= 0 || c.IndicationsTimeout <= 0 {
		return fmt.Errorf("qmiconfig: all step timeouts must be positive")
	}
	if c.DefaultCommandTimeout <= 0 {
		return fmt.Errorf("qmiconfig: default command timeout must be positive")
	}
	return nil
}
