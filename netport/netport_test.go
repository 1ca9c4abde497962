package netport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openqmi/qmicore/qmiconfig"
)

func TestIfnameForMuxID(t *testing.T) {
	assert.Equal(t, "rmnet_data0", ifnameForMuxID("rmnet_data", MuxID(1)))
	assert.Equal(t, "rmnet_data9", ifnameForMuxID("rmnet_data", MuxID(10)))
}

func TestNewRejects802_3(t *testing.T) {
	mgr, err := New(qmiconfig.DataFormat802_3, "", nil)
	assert.Error(t, err)
	assert.Nil(t, mgr)
}

func TestNewRequiresWWANIfaceForRawIP(t *testing.T) {
	mgr, err := New(qmiconfig.DataFormatRawIP, "", nil)
	assert.Error(t, err)
	assert.Nil(t, mgr)
}

func TestNewBuildsQMIWWANManagerForRawIP(t *testing.T) {
	mgr, err := New(qmiconfig.DataFormatRawIP, "wwan0", nil)
	assert.NoError(t, err)
	assert.NotNil(t, mgr)
	_, ok := mgr.(*qmiwwanManager)
	assert.True(t, ok)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	mgr, err := New(qmiconfig.DataFormat("bogus"), "", nil)
	assert.Error(t, err)
	assert.Nil(t, mgr)
}
