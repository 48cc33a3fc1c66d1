// Package voicemail records diverted call audio. RTP payloads from the
// caller are decoded from G.711 and written out as 8 kHz mono WAV files,
// one directory per mailbox.
package voicemail

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/zaf/g711"

	"github.com/coralpbx/coralpbx/internal/call"
)

const (
	sampleRate = 8000
	bitDepth   = 16

	// G.711 static payload types, the only encodings recorded. Anything
	// else in the stream (comfort noise, telephone-event) is skipped.
	payloadPCMU = 0
	payloadPCMA = 8
)

// Store owns the voicemail directory tree and opens recordings in it.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates the voicemail root under the data directory.
func NewStore(dataDir string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, "voicemail")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating voicemail directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "voicemail"),
	}, nil
}

// Dir returns the voicemail root.
func (s *Store) Dir() string {
	return s.dir
}

// NewRecorder opens a recording for the mailbox. The file is not created
// until Close, so an abandoned recording with no audio leaves nothing
// behind.
func (s *Store) NewRecorder(callID, mailbox string) (call.Recorder, error) {
	boxDir := filepath.Join(s.dir, mailbox)
	if err := os.MkdirAll(boxDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating mailbox directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.wav", time.Now().Format("20060102-150405"), uuid.NewString()[:8])
	return &Recorder{
		path:   filepath.Join(boxDir, name),
		logger: s.logger.With("call_id", callID, "mailbox", mailbox),
	}, nil
}

// Messages lists the recordings in a mailbox, newest first.
func (s *Store) Messages(mailbox string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, mailbox))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing mailbox %s: %w", mailbox, err)
	}

	var out []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".wav" {
			out = append(out, e.Name())
		}
	}
	// ReadDir sorts ascending by name; timestamped names make newest last.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Recorder accumulates decoded samples from one call and writes the WAV
// on Close. It satisfies the relay's voicemail sink contract: Write is
// called from the relay's read loop, Close from call teardown.
type Recorder struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	samples []int
	closed  bool
}

// Write decodes one RTP payload into the sample buffer. Unsupported
// payload types are dropped without failing the recording.
func (r *Recorder) Write(payload []byte, payloadType int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	switch payloadType {
	case payloadPCMU:
		for _, b := range payload {
			r.samples = append(r.samples, int(g711.DecodeUlawFrame(b)))
		}
	case payloadPCMA:
		for _, b := range payload {
			r.samples = append(r.samples, int(g711.DecodeAlawFrame(b)))
		}
	}
}

// Close writes the WAV file and returns its path. A recording that never
// received audio returns an empty path and no file.
func (r *Recorder) Close() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.path, nil
	}
	r.closed = true

	if len(r.samples) == 0 {
		r.logger.Info("recording discarded, no audio received")
		return "", nil
	}

	f, err := os.Create(r.path)
	if err != nil {
		return "", fmt.Errorf("creating recording file: %w", err)
	}

	enc := wav.NewEncoder(f, sampleRate, bitDepth, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           r.samples,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return "", fmt.Errorf("writing wav data: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("finalizing wav file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing recording file: %w", err)
	}

	duration := time.Duration(len(r.samples)) * time.Second / sampleRate
	r.logger.Info("voicemail recorded",
		"path", r.path,
		"duration", duration.String(),
		"samples", len(r.samples),
	)
	return r.path, nil
}

// Duration reports the audio captured so far.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(len(r.samples)) * time.Second / sampleRate
}
