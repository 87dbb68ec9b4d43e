package observability

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDistributionMetrics(t *testing.T) {
	m := Distribution()
	require.Same(t, m, Distribution())

	before := testutil.ToFloat64(m.distributions.WithLabelValues("self", "paid", "aborted"))
	m.ObserveCall("Self", "paid", time.Millisecond, errors.New("boom"))
	require.Equal(t, before+1, testutil.ToFloat64(m.distributions.WithLabelValues("self", "paid", "aborted")))

	failures := testutil.ToFloat64(m.failures.WithLabelValues("native"))
	m.RecordTransferFailures("native", 2)
	m.RecordTransferFailures("native", 0)
	require.Equal(t, failures+2, testutil.ToFloat64(m.failures.WithLabelValues("native")))

	amount := testutil.ToFloat64(m.amount.WithLabelValues("fungible"))
	m.RecordDistributed("fungible", uint256.NewInt(250))
	require.Equal(t, amount+250, testutil.ToFloat64(m.amount.WithLabelValues("fungible")))

	stranded := testutil.ToFloat64(m.stranded)
	m.RecordStranded(uint256.NewInt(60))
	m.RecordStranded(nil)
	require.Equal(t, stranded+60, testutil.ToFloat64(m.stranded))

	fees := testutil.ToFloat64(m.feePayments.WithLabelValues("treasury", "failed"))
	m.RecordFeePayment("treasury", false)
	require.Equal(t, fees+1, testutil.ToFloat64(m.feePayments.WithLabelValues("treasury", "failed")))

	var nilMetrics *DistributionMetrics
	nilMetrics.ObserveCall("self", "paid", 0, nil)
}

func TestDaemonMetrics(t *testing.T) {
	m := Daemon()
	before := testutil.ToFloat64(m.errors.WithLabelValues("submit", "429"))
	m.Observe("submit", 429, time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(m.errors.WithLabelValues("submit", "429")))

	throttles := testutil.ToFloat64(m.throttles.WithLabelValues("unspecified"))
	m.RecordThrottle(" ")
	require.Equal(t, throttles+1, testutil.ToFloat64(m.throttles.WithLabelValues("unspecified")))
}

func TestToFloatSaturates(t *testing.T) {
	require.Equal(t, float64(7), toFloat(uint256.NewInt(7)))
	top := new(uint256.Int).SetAllOne()
	require.False(t, math.IsInf(toFloat(top), 0))
	require.Equal(t, "unknown", label(" "))
}
