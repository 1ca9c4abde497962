//go:build linux

package netport

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBuildNewLinkMsgCarriesRmnetAttributes(t *testing.T) {
	msg := buildNewLinkMsg(7, 3, "rmnet_data0", 1, rmnetFlagIngressDeaggregation|rmnetFlagIngressMapChecksum, rmnetFlagIngressDeaggregation|rmnetFlagIngressMapChecksum|rmnetFlagEgressMapChecksum)

	require.GreaterOrEqual(t, len(msg), 16)
	assert.Equal(t, uint32(len(msg)), binary.LittleEndian.Uint32(msg[0:4]))
	assert.Equal(t, uint16(unix.RTM_NEWLINK), binary.LittleEndian.Uint16(msg[4:6]))
	flags := binary.LittleEndian.Uint16(msg[6:8])
	assert.NotZero(t, flags&uint16(unix.NLM_F_CREATE))
	assert.NotZero(t, flags&uint16(unix.NLM_F_EXCL))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(msg[8:12]))
}

func TestBuildDelLinkMsgCarriesIfIndex(t *testing.T) {
	msg := buildDelLinkMsg(9, 42)
	require.GreaterOrEqual(t, len(msg), 24)
	assert.Equal(t, uint16(unix.RTM_DELLINK), binary.LittleEndian.Uint16(msg[4:6]))
	off := nlmsgAlign(16)
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(msg[off+4:off+8]))
}

func TestParseAckAcceptsZeroErrno(t *testing.T) {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint16(buf[4:6], unix.NLMSG_ERROR)
	binary.LittleEndian.PutUint32(buf[16:20], 0)
	assert.NoError(t, parseAck(buf))
}

func TestParseAckRejectsNegativeErrno(t *testing.T) {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint16(buf[4:6], unix.NLMSG_ERROR)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(int32(-int32(unix.EEXIST))))
	assert.Error(t, parseAck(buf))
}

func TestParseAckIgnoresNonErrorMessages(t *testing.T) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint16(buf[4:6], unix.RTM_NEWLINK)
	assert.NoError(t, parseAck(buf))
}

func TestAppendRtattrAligns(t *testing.T) {
	buf := appendRtattr(nil, 5, []byte("abc"))
	assert.Equal(t, 0, len(buf)%nlmsgAlignTo)
	assert.Equal(t, uint16(7), binary.LittleEndian.Uint16(buf[0:2]))
	assert.Equal(t, uint16(5), binary.LittleEndian.Uint16(buf[2:4]))
}

type fakeNetlinkSocket struct {
	sent    [][]byte
	ackFunc func(req []byte) []byte
}

func (f *fakeNetlinkSocket) Send(msg []byte) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeNetlinkSocket) Recv(ctx context.Context) ([]byte, error) {
	return f.ackFunc(f.sent[len(f.sent)-1]), nil
}

func (f *fakeNetlinkSocket) Close() error { return nil }

func ackFor(seq uint32, errno int32) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint16(buf[4:6], unix.NLMSG_ERROR)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(errno))
	return buf
}

func TestRoundTripSucceedsOnZeroErrnoAck(t *testing.T) {
	sock := &fakeNetlinkSocket{ackFunc: func(req []byte) []byte {
		return ackFor(binary.LittleEndian.Uint32(req[8:12]), 0)
	}}
	mgr := &rmnetManager{sock: sock, ackTimeout: time.Second, metrics: noopMetrics{}}
	err := mgr.roundTrip(context.Background(), "add-link", buildNewLinkMsg(1, 1, "rmnet_data0", 1, 0, 0))
	assert.NoError(t, err)
}

func TestRoundTripFailsOnNegativeErrnoAck(t *testing.T) {
	sock := &fakeNetlinkSocket{ackFunc: func(req []byte) []byte {
		return ackFor(binary.LittleEndian.Uint32(req[8:12]), -int32(unix.EBUSY))
	}}
	mgr := &rmnetManager{sock: sock, ackTimeout: time.Second, metrics: noopMetrics{}}
	err := mgr.roundTrip(context.Background(), "add-link", buildNewLinkMsg(1, 1, "rmnet_data0", 1, 0, 0))
	assert.Error(t, err)
}
