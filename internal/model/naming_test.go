package model

import (
	"errors"
	"testing"
)

func TestGenerateAndSplitFileTag(t *testing.T) {
	tag := GenerateFileTag("prod", "agent1", "data.part.1.txt")
	if tag != "prod.agent1.data.part.1.txt" {
		t.Fatalf("GenerateFileTag = %q", tag)
	}

	c, a, n, err := SplitFileTag(tag)
	if err != nil {
		t.Fatalf("SplitFileTag: %v", err)
	}
	if c != "prod" || a != "agent1" || n != "data.part.1.txt" {
		t.Errorf("SplitFileTag = (%q, %q, %q)", c, a, n)
	}
}

func TestSplitFileTag_Invalid(t *testing.T) {
	for _, in := range []string{"", "  ", "prod", "prod.agent1", "prod.agent1."} {
		t.Run(in, func(t *testing.T) {
			if _, _, _, err := SplitFileTag(in); !errors.Is(err, ErrInvalidFileTag) {
				t.Errorf("SplitFileTag(%q) err = %v, want ErrInvalidFileTag", in, err)
			}
		})
	}
}

func TestCanonicalizeCommandID(t *testing.T) {
	got := CanonicalizeCommandID("8A6B3C2D-0000-4E5F-9A1B-ABCDEF012345")
	want := "8a6b3c2d00004e5f9a1babcdef012345"
	if got != want {
		t.Errorf("CanonicalizeCommandID = %q, want %q", got, want)
	}
}

func TestSplitManifestName(t *testing.T) {
	tests := []struct {
		name, prefix, suffix string
	}{
		{"DataFileManifest_2018_01_01_00", "DataFileManifest", "_2018_01_01_00"},
		{"RequestManifest_x", "RequestManifest", "_x"},
		{"nounderscore", "nounderscore", ""},
		{"_leading", "_leading", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, s := SplitManifestName(tt.name)
			if p != tt.prefix || s != tt.suffix {
				t.Errorf("SplitManifestName(%q) = (%q, %q), want (%q, %q)", tt.name, p, s, tt.prefix, tt.suffix)
			}
		})
	}
}

func TestClassifyFile(t *testing.T) {
	tests := []struct {
		name string
		kind FileKind
	}{
		{"DataFileManifest_2018_01_01_00", KindDataManifest},
		{"datafilemanifest_2018_01_01_00", KindDataManifest},
		{"RequestManifest_2018_01_01_00", KindRequestManifest},
		{"DataManifest_2018_01_01_00", KindDataFile},
		{"Data_2018_01_01_00.txt", KindDataFile},
	}
	for _, tt := range tests {
		if kind, _ := ClassifyFile(tt.name); kind != tt.kind {
			t.Errorf("ClassifyFile(%q) = %d, want %d", tt.name, kind, tt.kind)
		}
	}
	if got := CounterpartName(KindDataManifest, "_s"); got != "RequestManifest_s" {
		t.Errorf("CounterpartName(data) = %q", got)
	}
	if got := CounterpartName(KindRequestManifest, "_s"); got != "DataFileManifest_s" {
		t.Errorf("CounterpartName(request) = %q", got)
	}
}

func TestGetPartition(t *testing.T) {
	th := FileSizeThresholds{Medium: 10, Large: 100, Oversized: 1000}
	tests := []struct {
		size int64
		want FileSizePartition
	}{
		{0, PartitionEmpty},
		{1, PartitionSmall},
		{10, PartitionSmall},
		{11, PartitionMedium},
		{101, PartitionLarge},
		{1000, PartitionLarge},
		{1001, PartitionOversize},
	}
	for _, tt := range tests {
		if got := GetPartition(th, tt.size); got != tt.want {
			t.Errorf("GetPartition(%d) = %s, want %s", tt.size, got, tt.want)
		}
	}
}

func TestManifestState_RemoveTag(t *testing.T) {
	s := NewManifestState("agent1", "prod/agent1/DataFileManifest_x")
	s.DataFileTags = []string{"prod.agent1.A", "prod.agent1.B"}

	if !s.RemoveTag("PROD.AGENT1.a") {
		t.Fatal("RemoveTag should match case-insensitively")
	}
	if s.RemoveTag("prod.agent1.A") {
		t.Error("second RemoveTag should be a no-op")
	}
	if len(s.DataFileTags) != 1 || !s.HasTag("prod.agent1.b") {
		t.Errorf("DataFileTags = %v", s.DataFileTags)
	}
}
