package cli

import "testing"

func TestParseDiskSize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    uint64
		wantErr bool
	}{
		{"default", "64GiB", 64, false},
		{"one gib", "1GiB", 1, false},
		{"gib aligned mib", "2048MiB", 2, false},
		{"bare bytes aligned", "1073741824b", 1, false},
		{"unaligned mib", "1500MiB", 0, true},
		{"below one gib", "512MiB", 0, true},
		{"zero", "0", 0, true},
		{"negative", "-1GiB", 0, true},
		{"garbage", "lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDiskSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDiskSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseDiskSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}
