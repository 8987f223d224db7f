package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"mailmirror/internal/policy"
	"mailmirror/internal/provider"
)

func TestSyncResult(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&policy.ThrottledError{Plan: "free", RetryAfter: time.Minute}, "throttled"},
		{fmt.Errorf("sync: %w", &provider.AuthError{Op: "list", Err: fmt.Errorf("401")}), "auth"},
		{fmt.Errorf("get: %w", provider.ErrTransient), "transient"},
		{fmt.Errorf("boom"), "error"},
	}
	for _, tc := range tests {
		if got := SyncResult(tc.err); got != tc.want {
			t.Errorf("SyncResult(%v) = %q; want %q", tc.err, got, tc.want)
		}
	}
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(metricMessages.WithLabelValues("added"))
	MessagesAdd("added", 3)
	MessagesAdd("added", 0)
	if got := testutil.ToFloat64(metricMessages.WithLabelValues("added")) - before; got != 3 {
		t.Fatalf("added delta got %v", got)
	}

	before = testutil.ToFloat64(metricSyncRuns.WithLabelValues("full_scan", "ok"))
	SyncObserve("full_scan", "ok", time.Now())
	if got := testutil.ToFloat64(metricSyncRuns.WithLabelValues("full_scan", "ok")) - before; got != 1 {
		t.Fatalf("runs delta got %v", got)
	}
}
