package stats

import (
	"testing"
	"time"
)

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"chat_connections_total 42", "chat_connections_total", 42, true},
		{`chat_messages_total{outcome="sent"} 1.5e+03`, "chat_messages_total", 1500, true},
		{`chat_store_latency_seconds_sum{op="messages.create"} 0.25`, "chat_store_latency_seconds_sum", 0.25, true},
		{`chat_messages_total{outcome="sent" 3`, "", 0, false},
		{"chat_active_rooms", "", 0, false},
		{"chat_active_rooms NaNx", "", 0, false},
	}
	for _, tt := range tests {
		name, value, ok := parseMetricLine(tt.line)
		if ok != tt.ok || name != tt.name || value != tt.value {
			t.Errorf("parseMetricLine(%q) = %q, %v, %v; want %q, %v, %v",
				tt.line, name, value, ok, tt.name, tt.value, tt.ok)
		}
	}
}

func TestSummarize(t *testing.T) {
	if s := Summarize(nil); s.N != 0 {
		t.Errorf("Summarize(nil) = %+v", s)
	}

	samples := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}
	s := Summarize(samples)
	if s.N != 100 || s.Max != 100*time.Millisecond {
		t.Errorf("N, Max = %d, %v", s.N, s.Max)
	}
	if s.P50 != 51*time.Millisecond || s.P95 != 95*time.Millisecond || s.P99 != 99*time.Millisecond {
		t.Errorf("percentiles = %v %v %v", s.P50, s.P95, s.P99)
	}
	if s.Avg != 50500*time.Microsecond {
		t.Errorf("Avg = %v", s.Avg)
	}
}
