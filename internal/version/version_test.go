package version

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		tuple   []int
		pre     bool
		commit  string
	}{
		{name: "bare", raw: "2.7.15", tuple: []int{2, 7, 15}},
		{name: "v prefix", raw: "v2.7.15", tuple: []int{2, 7, 15}},
		{name: "upper v", raw: "V1.2", tuple: []int{1, 2}},
		{name: "rc suffix", raw: "2.8.0-rc1", tuple: []int{2, 8, 0}, pre: true},
		{name: "beta suffix", raw: "2.8.0.beta2", tuple: []int{2, 8, 0}, pre: true},
		{name: "commit suffix", raw: "2.7.16.def456", tuple: []int{2, 7, 16}, pre: true, commit: "def456"},
		{name: "long hash", raw: "2.7.16.abcdef0123456789", tuple: []int{2, 7, 16}, pre: true, commit: "abcdef0123456789"},
		{name: "empty", raw: "", wantErr: true},
		{name: "only v", raw: "v", wantErr: true},
		{name: "words", raw: "latest", wantErr: true},
		{name: "leading dot", raw: ".1.2", wantErr: true},
		{name: "non numeric head", raw: "x.2.3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Parse(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			got := v.Tuple()
			if len(got) != len(tt.tuple) {
				t.Fatalf("tuple = %v, want %v", got, tt.tuple)
			}
			for i := range got {
				if got[i] != tt.tuple[i] {
					t.Fatalf("tuple = %v, want %v", got, tt.tuple)
				}
			}
			if v.IsPrerelease() != tt.pre {
				t.Errorf("IsPrerelease() = %v, want %v", v.IsPrerelease(), tt.pre)
			}
			if v.Commit() != tt.commit {
				t.Errorf("Commit() = %q, want %q", v.Commit(), tt.commit)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{name: "numeric less", a: "2.7.15", b: "2.7.16", want: -1},
		{name: "numeric greater", a: "3.0.0", b: "2.9.9", want: 1},
		{name: "equal", a: "2.7.15", b: "v2.7.15", want: 0},
		{name: "missing trailing zero", a: "2.7", b: "2.7.0", want: 0},
		{name: "suffixed older than bare", a: "2.7.16.def456", b: "2.7.16", want: -1},
		{name: "bare newer than rc", a: "2.8.0", b: "2.8.0-rc1", want: 1},
		{name: "rc below commit build", a: "2.8.0-rc1", b: "2.8.0.abc123", want: -1},
		{name: "suffix does not beat higher tuple", a: "2.7.16.def456", b: "2.7.15", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareStrings(tt.a, tt.b); got != tt.want {
				t.Errorf("CompareStrings(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
			if got := CompareStrings(tt.b, tt.a); got != -tt.want {
				t.Errorf("CompareStrings(%q, %q) = %d, want %d", tt.b, tt.a, got, -tt.want)
			}
		})
	}
}

func TestCompareObservedRecency(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	older, err := ParseObserved("2.7.16.abc123", t0)
	if err != nil {
		t.Fatal(err)
	}
	newer, err := ParseObserved("2.7.16.def456", t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if got := Compare(older, newer); got != -1 {
		t.Errorf("Compare(older, newer) = %d, want -1", got)
	}
	if got := Compare(newer, older); got != 1 {
		t.Errorf("Compare(newer, older) = %d, want 1", got)
	}
}

func TestCompareTotality(t *testing.T) {
	tags := []string{
		"1.0", "2.7.15", "2.7.16", "2.7.16.def456", "2.8.0-rc1",
		"2.8.0", "v2.8.1", "3.0.0.abcdef1", "3.0.0",
	}
	for _, a := range tags {
		for _, b := range tags {
			ab := CompareStrings(a, b)
			ba := CompareStrings(b, a)
			if ab != -ba {
				t.Errorf("asymmetry: cmp(%q,%q)=%d cmp(%q,%q)=%d", a, b, ab, b, a, ba)
			}
			if ab < -1 || ab > 1 {
				t.Errorf("cmp(%q,%q)=%d out of range", a, b, ab)
			}
		}
	}
	// transitivity across the generated set
	for _, a := range tags {
		for _, b := range tags {
			for _, c := range tags {
				if CompareStrings(a, b) <= 0 && CompareStrings(b, c) <= 0 {
					if CompareStrings(a, c) > 0 {
						t.Errorf("not transitive: %q <= %q <= %q but %q > %q", a, b, c, a, c)
					}
				}
			}
		}
	}
}

func TestSort(t *testing.T) {
	tags := []string{"2.8.0", "bogus", "2.7.16.def456", "2.7.15", "2.7.16"}
	Sort(tags)
	want := []string{"bogus", "2.7.15", "2.7.16.def456", "2.7.16", "2.8.0"}
	for i := range want {
		if tags[i] != want[i] {
			t.Fatalf("Sort = %v, want %v", tags, want)
		}
	}
}

func TestExpectedPrerelease(t *testing.T) {
	tests := []struct {
		latest string
		want   string
	}{
		{latest: "v2.7.15", want: "2.7.16"},
		{latest: "2.7.15", want: "2.7.16"},
		{latest: "2.7", want: "2.7.1"},
		{latest: "2", want: ""},
		{latest: "garbage", want: ""},
	}
	for _, tt := range tests {
		if got := ExpectedPrerelease(tt.latest); got != tt.want {
			t.Errorf("ExpectedPrerelease(%q) = %q, want %q", tt.latest, got, tt.want)
		}
	}
}

func TestExtractVersionAndCommit(t *testing.T) {
	if got := ExtractVersion("firmware-2.7.16.def456"); got != "2.7.16.def456" {
		t.Errorf("ExtractVersion = %q", got)
	}
	if got := CommitFromDir("firmware-2.7.16.def456"); got != "def456" {
		t.Errorf("CommitFromDir = %q", got)
	}
	if got := CommitFromDir("firmware-2.7.16"); got != "" {
		t.Errorf("CommitFromDir on bare version = %q, want empty", got)
	}
}

func TestCleanTag(t *testing.T) {
	tests := []struct{ in, want string }{
		{"v2.7.15.abc123", "v2.7.15"},
		{"2.7.15", "v2.7.15"},
		{"2.7", "v2.7.0"},
		{"junk", "junk"},
	}
	for _, tt := range tests {
		if got := CleanTag(tt.in); got != tt.want {
			t.Errorf("CleanTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConstraint(t *testing.T) {
	ok, err := Constraint("v2.7.15", ">= 2.6.0")
	if err != nil || !ok {
		t.Errorf("Constraint = %v, %v; want true, nil", ok, err)
	}
	ok, err = Constraint("2.5.0", ">= 2.6.0")
	if err != nil || ok {
		t.Errorf("Constraint = %v, %v; want false, nil", ok, err)
	}
	if _, err := Constraint("junk", ">= 2.6.0"); err == nil {
		t.Error("Constraint on invalid version: want error")
	}
}
