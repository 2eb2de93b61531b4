package redis

import (
	"testing"
	"time"

	"PluginRuntime/pkg/plugin/monitor"
)

func TestMemberEncodingKeepsTimestampAndValue(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)
	member := encodeMember(monitor.TrendPoint{Timestamp: ts, Value: 12.5})
	if member != "1700000000123:12.5" {
		t.Fatalf("unexpected member: %s", member)
	}
	p, err := decodeMember(member)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.Timestamp.Equal(ts) || p.Value != 12.5 {
		t.Fatalf("unexpected point: %+v", p)
	}
}

func TestDecodeMemberRejectsGarbage(t *testing.T) {
	for _, member := range []string{"", "abc", "x:1", "1:y"} {
		if _, err := decodeMember(member); err == nil {
			t.Fatalf("expected error for %q", member)
		}
	}
}

func TestSeriesStoreDefaults(t *testing.T) {
	s := newSeriesStore(nil, Config{})
	if s.prefix != "pluginhost" || s.retention != 7*24*time.Hour {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if key := s.seriesKey("alpha", "cpu"); key != "pluginhost:series:alpha:cpu" {
		t.Fatalf("unexpected key: %s", key)
	}
}
