package version

import "testing"

func TestString(t *testing.T) {
	oldVersion, oldCommit := Version, Commit
	defer func() { Version, Commit = oldVersion, oldCommit }()

	Version, Commit = "v1.0.0", ""
	if got := String(); got != "v1.0.0" {
		t.Fatalf("String() = %q", got)
	}
	Commit = "abc123"
	if got := String(); got != "v1.0.0 (abc123)" {
		t.Fatalf("String() = %q", got)
	}
}
