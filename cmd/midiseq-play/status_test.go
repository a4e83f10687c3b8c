package main

import (
	"testing"

	"github.com/midiseq/midiseq"
)

func TestBarBeatTick(t *testing.T) {
	for _, c := range []struct {
		clock midiseq.Clock
		want  string
	}{
		{-1, "---:--:---"},
		{0, "  1:01:000"},
		{95, "  1:01:095"},
		{96 * 5, "  2:02:000"},
		{96*4*10 + 97, " 11:02:001"},
	} {
		if got := barBeatTick(c.clock, 96, 4); got != c.want {
			t.Fatalf("barBeatTick(%d) = %q, want %q", c.clock, got, c.want)
		}
	}
}
