package version

import "testing"

func TestOrHash(t *testing.T) {
	for _, c := range []struct {
		version  string
		settings map[string]string
		want     string
	}{
		{"v1.2.0", map[string]string{"vcs.revision": "0123456789"}, "v1.2.0"},
		{"", map[string]string{"vcs.revision": "0123456789"}, "0123456"},
		{"", map[string]string{"vcs.revision": "0123456789", "vcs.modified": "true"}, "0123456-dirty"},
		{"", nil, ""},
	} {
		if got := orHash(c.version, c.settings); got != c.want {
			t.Fatalf("orHash(%q, %v) = %q, want %q", c.version, c.settings, got, c.want)
		}
	}
}
