package config

import (
	"os"
	"path/filepath"
	"testing"
)

type policy struct {
	GasMargin uint64  `ini:"gasmarginpct"`
	FeeMargin uint64  `ini:"feemarginpct"`
	Sponsor   bool    `ini:"sponsor"`
	Ratio     float64 `ini:"ratio"`
	Ignored   string  `ini:"-"`
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    policy
		wantErr bool
	}{
		{
			name: "no sections",
			data: "gasmarginpct=20\nfeemarginpct=30\nsponsor=true\nratio=1.5\n",
			want: policy{GasMargin: 20, FeeMargin: 30, Sponsor: true, Ratio: 1.5},
		},
		{
			name: "sections are flattened",
			data: "[gas]\ngasmarginpct=25\n[fees]\nfeemarginpct=40\n",
			want: policy{GasMargin: 25, FeeMargin: 40},
		},
		{
			name:    "bad number",
			data:    "gasmarginpct=abc\n",
			wantErr: true,
		},
		{
			name:    "negative unsigned",
			data:    "[fees]\nfeemarginpct=-5\n",
			wantErr: true,
		},
		{
			name:    "bad bool",
			data:    "sponsor=maybe\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		var p policy
		err := Parse([]byte(tt.data), &p)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if p != tt.want {
			t.Fatalf("%s: wanted %+v, got %+v", tt.name, tt.want, p)
		}
	}
}

func TestParseSection(t *testing.T) {
	data := []byte("gasmarginpct=10\nfeemarginpct=10\n[mainnet]\nfeemarginpct=50\n")

	var p policy
	if err := ParseSection(data, "mainnet", &p); err != nil {
		t.Fatalf("ParseSection error: %v", err)
	}
	if p.GasMargin != 10 || p.FeeMargin != 50 {
		t.Fatalf("wrong mainnet policy %+v", p)
	}

	// Malformed values in either the default or the named section.
	for _, bad := range []string{
		"gasmarginpct=abc\n[mainnet]\nfeemarginpct=50\n",
		"gasmarginpct=10\n[mainnet]\nfeemarginpct=-5\n",
	} {
		if err := ParseSection([]byte(bad), "mainnet", &policy{}); err == nil {
			t.Fatalf("no error for %q", bad)
		}
	}

	p = policy{}
	if err := ParseSection(data, "testnet", &p); err != nil {
		t.Fatalf("ParseSection error for missing section: %v", err)
	}
	if p.GasMargin != 10 || p.FeeMargin != 10 {
		t.Fatalf("wrong default policy %+v", p)
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.conf")
	if err := os.WriteFile(path, OptionsMapToINIData(map[string]string{
		"gasmarginpct": "15",
		"sponsor":      "1",
	}), 0600); err != nil {
		t.Fatalf("error writing policy file: %v", err)
	}
	var p policy
	if err := Parse(path, &p); err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if p.GasMargin != 15 || !p.Sponsor {
		t.Fatalf("wrong policy %+v", p)
	}
}
