package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTransactionComplete(t *testing.T) {
	tests := []struct {
		name      string
		service   byte
		messageID uint16
		outcome   string
		duration  time.Duration
	}{
		{"success", 0x02, 0x0020, "success", 100 * time.Millisecond},
		{"error", 0x02, 0x0020, "error", 50 * time.Millisecond},
		{"no result tlv", 0x00, 0x0021, "no-result-tlv", 10 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordTransactionComplete(tt.service, tt.messageID, tt.outcome, tt.duration)
			count := testutil.ToFloat64(transactionsTotal.WithLabelValues(serviceLabel(tt.service), messageIDLabel(tt.messageID), tt.outcome))
			assert.Greater(t, count, 0.0)
		})
	}
}

func TestRecordTimeout(t *testing.T) {
	RecordTimeout(0x02, 0x0020)
	count := testutil.ToFloat64(timeoutsTotal.WithLabelValues(serviceLabel(0x02), messageIDLabel(0x0020)))
	assert.Greater(t, count, 0.0)
}

func TestRecordAbort(t *testing.T) {
	RecordAbort(0x02, 0x0020, "aborted")
	RecordAbort(0x02, 0x0020, "not-aborted")
	aborted := testutil.ToFloat64(abortsTotal.WithLabelValues(serviceLabel(0x02), messageIDLabel(0x0020), "aborted"))
	notAborted := testutil.ToFloat64(abortsTotal.WithLabelValues(serviceLabel(0x02), messageIDLabel(0x0020), "not-aborted"))
	assert.Greater(t, aborted, 0.0)
	assert.Greater(t, notAborted, 0.0)
}

func TestRecordNetlinkRoundTrip(t *testing.T) {
	RecordNetlinkRoundTrip("add-link", "ok", 5*time.Millisecond)
	count := testutil.ToFloat64(netlinkRoundTripsTotal.WithLabelValues("add-link", "ok"))
	assert.Greater(t, count, 0.0)
}

func TestSetActiveMuxLinks(t *testing.T) {
	SetActiveMuxLinks("rmnet", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(muxLinksActive.WithLabelValues("rmnet")))
	SetActiveMuxLinks("rmnet", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(muxLinksActive.WithLabelValues("rmnet")))
}

func TestRecordEndpointHangup(t *testing.T) {
	RecordEndpointHangup("qmux")
	count := testutil.ToFloat64(endpointHangupsTotal.WithLabelValues("qmux"))
	assert.Greater(t, count, 0.0)
}

func TestMetricsConcurrent(t *testing.T) {
	const goroutines = 10
	const iterations = 100
	done := make(chan bool, goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			for j := 0; j < iterations; j++ {
				RecordTransactionComplete(0x03, 0x0022, "success", time.Millisecond)
			}
			done <- true
		}()
	}
	for i := 0; i < goroutines; i++ {
		<-done
	}
	count := testutil.ToFloat64(transactionsTotal.WithLabelValues(serviceLabel(0x03), messageIDLabel(0x0022), "success"))
	assert.Equal(t, float64(goroutines*iterations), count)
}

func TestInitTracerFailsOnEmptyEndpoint(t *testing.T) {
	shutdown, err := InitTracer("qmicore-test", "")
	require.Error(t, err)
	assert.Nil(t, shutdown)
}

func TestTracerStartSpanEndsWithoutPanic(t *testing.T) {
	tr := NewTracer("qmicore/device")
	ctx, end := tr.StartSpan(context.Background(), "device.Open")
	assert.NotNil(t, ctx)
	end(nil)
}
