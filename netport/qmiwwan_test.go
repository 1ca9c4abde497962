package netport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMuxIDFromIfnameRoundTripsWithIfnameForMuxID(t *testing.T) {
	mgr := &qmiwwanManager{iface: "wwan0", metrics: noopMetrics{}}
	for id := MuxIDMin; id <= 5; id++ {
		name := ifnameForMuxID("rmnet_mhi0.", id)
		got, ok := mgr.muxIDFromIfname(name)
		assert.True(t, ok)
		assert.Equal(t, id, got)
	}
}

func TestMuxIDFromIfnameRejectsNameWithoutTrailingDigits(t *testing.T) {
	mgr := &qmiwwanManager{iface: "wwan0", metrics: noopMetrics{}}
	_, ok := mgr.muxIDFromIfname("wwan")
	assert.False(t, ok)
}

func TestNewQMIWWANManagerDefaultsMetrics(t *testing.T) {
	mgr := newQMIWWANManager("wwan0", nil)
	assert.NotNil(t, mgr.metrics)
}
