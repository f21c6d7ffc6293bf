package redpanda

import "testing"

func TestWardTopics(t *testing.T) {
	specs := WardTopics(0)
	if len(specs) != 2 {
		t.Fatalf("topics = %d, want 2", len(specs))
	}
	if specs[0].Name != TopicAdministrationEvents || specs[0].Partitions != 6 {
		t.Errorf("event topic = %+v", specs[0])
	}
	if got := WardTopics(12)[0].Partitions; got != 12 {
		t.Errorf("partitions = %d, want 12", got)
	}

	cfg := specs[0].configs()
	if v := cfg["retention.ms"]; v == nil || *v != "604800000" {
		t.Errorf("retention.ms = %v", v)
	}
	if v := cfg["compression.type"]; v == nil || *v != "lz4" {
		t.Errorf("compression.type = %v", v)
	}
	if _, ok := specs[1].configs()["compression.type"]; ok {
		t.Error("dead letter topic should use the broker compression default")
	}
}
