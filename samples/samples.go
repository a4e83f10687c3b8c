// Package samples loads the sample library of the audio tracks from WAV
// files with github.com/go-audio/wav.
package samples

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-audio/wav"
	"github.com/midiseq/midiseq"
	"github.com/sirupsen/logrus"
)

// LoadFile decodes one WAV file into 16-bit PCM. 8, 24 and 32 bit files are
// converted.
func LoadFile(path string) (*midiseq.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file: %s", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("no channels in WAV file: %s", path)
	}
	data := make([]int16, len(buf.Data))
	depth := int(dec.SampleBitDepth())
	for i, v := range buf.Data {
		data[i] = to16(v, depth)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &midiseq.Sample{
		Name:       name,
		Data:       data,
		Channels:   buf.Format.NumChannels,
		SampleRate: buf.Format.SampleRate,
	}, nil
}

func to16(v, depth int) int16 {
	switch depth {
	case 8:
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	}
	return int16(v)
}

// KeyOf returns the key a file is mapped to: the leading decimal number of
// its name, as in "36.wav" or "38-snare.wav".
func KeyOf(name string) (uint8, bool) {
	name = filepath.Base(name)
	end := 0
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	k, err := strconv.Atoi(name[:end])
	if err != nil || k > 127 {
		return 0, false
	}
	return uint8(k), true
}

// Load reads every WAV file of dir whose name starts with a key number.
// Other files are skipped. A file that does not decode fails the load.
func Load(dir string, log logrus.FieldLogger) (midiseq.SampleMap, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	ret := midiseq.SampleMap{}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}
		key, ok := KeyOf(e.Name())
		if !ok {
			log.WithField("file", e.Name()).Debug("no key in sample name, skipped")
			continue
		}
		s, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if prev, ok := ret[key]; ok {
			log.WithFields(logrus.Fields{"key": key, "file": e.Name(), "previous": prev.Name}).Warn("duplicate sample key")
		}
		ret[key] = s
		log.WithFields(logrus.Fields{"key": key, "file": e.Name(), "frames": s.Frames()}).Debug("sample loaded")
	}
	return ret, nil
}
