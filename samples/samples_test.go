package samples_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/midiseq/midiseq/samples"
)

func writeWav(t *testing.T, path string, channels int, data []int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("could not create %v: %v", path, err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, 22050, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: 22050},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("could not write %v: %v", path, err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("could not close %v: %v", path, err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "38-snare.wav")
	writeWav(t, path, 2, []int{100, -100, 2000, -2000, 32767, -32768})
	s, err := samples.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if s.Name != "38-snare" || s.Channels != 2 || s.SampleRate != 22050 {
		t.Fatalf("unexpected sample header %+v", s)
	}
	if s.Frames() != 3 {
		t.Fatalf("frames = %d, want 3", s.Frames())
	}
	if s.Data[2] != 2000 || s.Data[5] != -32768 {
		t.Fatalf("unexpected data %v", s.Data)
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeWav(t, filepath.Join(dir, "36.wav"), 1, []int{1, 2, 3})
	writeWav(t, filepath.Join(dir, "42-hat.WAV"), 1, []int{4})
	writeWav(t, filepath.Join(dir, "ambience.wav"), 1, []int{5})
	if err := os.WriteFile(filepath.Join(dir, "40.txt"), []byte("not audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	set, err := samples.Load(dir, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("loaded %d samples, want 2", len(set))
	}
	if s := set.Sample(36); s == nil || s.Frames() != 3 {
		t.Fatalf("key 36: %+v", s)
	}
	if s := set.Sample(42); s == nil || s.Data[0] != 4 {
		t.Fatalf("key 42: %+v", s)
	}
	if set.Sample(40) != nil {
		t.Fatalf("a text file was loaded")
	}
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "60.wav"), []byte("RIFF garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := samples.Load(dir, nil); err == nil {
		t.Fatalf("an invalid file should fail the load")
	}
}

func TestKeyOf(t *testing.T) {
	for _, c := range []struct {
		name string
		key  uint8
		ok   bool
	}{
		{"36.wav", 36, true},
		{"dir/127-crash.wav", 127, true},
		{"128.wav", 0, false},
		{"kick.wav", 0, false},
	} {
		key, ok := samples.KeyOf(c.name)
		if key != c.key || ok != c.ok {
			t.Fatalf("KeyOf(%q) = %d, %v; want %d, %v", c.name, key, ok, c.key, c.ok)
		}
	}
}
