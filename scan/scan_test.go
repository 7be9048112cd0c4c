package scan

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestPlanPartitions(t *testing.T) {
	tests := []struct {
		count      int
		partitions int
		firstStop  byte
	}{
		{1, 1, 0},
		{2, 2, 128},
		{4, 4, 64},
		{10, 10, 26},
		{64, 64, 4},
		{256, 256, 1},
	}

	for _, tt := range tests {
		partitions, err := PlanPartitions(tt.count)
		if err != nil {
			t.Fatalf("PlanPartitions(%d): %v", tt.count, err)
		}
		if len(partitions) != tt.partitions {
			t.Errorf("PlanPartitions(%d) produced %d partitions, want %d", tt.count, len(partitions), tt.partitions)
		}
		if partitions[0].Start != 0 {
			t.Errorf("PlanPartitions(%d) first partition starts at %d", tt.count, partitions[0].Start)
		}
		if partitions[0].Stop != tt.firstStop {
			t.Errorf("PlanPartitions(%d) first partition stops at %d, want %d", tt.count, partitions[0].Stop, tt.firstStop)
		}
		if last := partitions[len(partitions)-1]; last.Stop != 0 {
			t.Errorf("PlanPartitions(%d) last partition stops at %d, want open-ended", tt.count, last.Stop)
		}
	}
}

func TestPlanPartitionsCoversKeyspace(t *testing.T) {
	for _, count := range []int{1, 2, 3, 7, 10, 100, 256} {
		partitions, err := PlanPartitions(count)
		if err != nil {
			t.Fatalf("PlanPartitions(%d): %v", count, err)
		}

		// Every partition starts exactly where the previous one stopped.
		for i := 1; i < len(partitions); i++ {
			if partitions[i].Start != partitions[i-1].Stop {
				t.Errorf("PlanPartitions(%d): gap between partition %d and %d", count, i-1, i)
			}
		}
	}
}

func TestPlanPartitionsInvalidCount(t *testing.T) {
	for _, count := range []int{0, -1, 257} {
		if _, err := PlanPartitions(count); !errors.Is(err, ErrPartitionCountInvalid) {
			t.Errorf("PlanPartitions(%d): expected ErrPartitionCountInvalid, got %v", count, err)
		}
	}
}

func TestPartitionBounds(t *testing.T) {
	p := Partition{Start: 64, Stop: 128}
	if !bytes.Equal(p.StartRow(), []byte{64}) {
		t.Errorf("StartRow = %v", p.StartRow())
	}
	if !bytes.Equal(p.StopRow(), []byte{128}) {
		t.Errorf("StopRow = %v", p.StopRow())
	}
	if p.Label() != "64-128" {
		t.Errorf("Label = %q", p.Label())
	}

	open := Partition{Start: 128, Stop: 0}
	if open.StopRow() != nil {
		t.Errorf("open-ended StopRow = %v, want nil", open.StopRow())
	}
	if open.Label() != "128-0" {
		t.Errorf("open-ended Label = %q", open.Label())
	}
}

func TestTableFromTopic(t *testing.T) {
	tests := []struct {
		topic   string
		table   string
		wantErr bool
	}{
		{"db.core.claimant", "core:claimant", false},
		{"db.penalties-and-deductions.sanction", "penalties_and_deductions:sanction", false},
		{"data.equality", "", true},
		{"claimant", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		table, err := TableFromTopic(tt.topic)
		if tt.wantErr {
			if !errors.Is(err, ErrTopicUnmappable) {
				t.Errorf("TableFromTopic(%q): expected ErrTopicUnmappable, got %v", tt.topic, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("TableFromTopic(%q): %v", tt.topic, err)
			continue
		}
		if table != tt.table {
			t.Errorf("TableFromTopic(%q) = %q, want %q", tt.topic, table, tt.table)
		}
	}
}

func TestIsTableUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"missing table", errors.New("org.apache.hadoop.hbase.TableNotFoundException: core:claimant"), true},
		{"disabled table", errors.New("org.apache.hadoop.hbase.TableNotEnabledException: core:claimant"), true},
		{"wrapped", fmt.Errorf("partition 0-128 scan failed: %w", errors.New("TableNotFoundException")), true},
		{"region condition", errors.New("NotServingRegionException"), false},
		{"plain failure", errors.New("connection refused"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTableUnavailable(tt.err); got != tt.want {
				t.Errorf("IsTableUnavailable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
