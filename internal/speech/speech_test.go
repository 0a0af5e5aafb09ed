package speech

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/ratelimit"
)

// fakeSynth counts synthesis calls and returns the text reversed as audio.
type fakeSynth struct {
	calls int
	err   error
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("audio:" + text), nil
}

// denyAll denies every reservation.
type denyAll struct{}

func (denyAll) Reserve(context.Context, string, models.ResourceKind, int) bool { return false }

func TestSpeakSynthesizesAndCaches(t *testing.T) {
	synth := &fakeSynth{}
	speaker, err := NewSpeaker(synth, ratelimit.NewAllowAll(), WithCacheDir(t.TempDir()))
	if err != nil {
		t.Fatalf("NewSpeaker() error = %v", err)
	}

	audio, err := speaker.Speak(context.Background(), "p_1", "it is nine o'clock")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if string(audio) != "audio:it is nine o'clock" {
		t.Errorf("Speak() audio = %q", audio)
	}
	if synth.calls != 1 {
		t.Fatalf("synth calls = %d, want 1", synth.calls)
	}

	// Second call for the same text must come from the cache.
	again, err := speaker.Speak(context.Background(), "p_1", "it is nine o'clock")
	if err != nil {
		t.Fatalf("Speak() cache hit error = %v", err)
	}
	if string(again) != string(audio) {
		t.Error("cached audio differs from synthesized audio")
	}
	if synth.calls != 1 {
		t.Errorf("synth calls after cache hit = %d, want 1", synth.calls)
	}

	// Different text synthesizes again.
	if _, err := speaker.Speak(context.Background(), "p_1", "time for lunch"); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if synth.calls != 2 {
		t.Errorf("synth calls = %d, want 2", synth.calls)
	}
}

func TestSpeakQuotaExhausted(t *testing.T) {
	synth := &fakeSynth{}
	speaker, err := NewSpeaker(synth, denyAll{}, WithCacheDir(t.TempDir()))
	if err != nil {
		t.Fatalf("NewSpeaker() error = %v", err)
	}

	if _, err := speaker.Speak(context.Background(), "p_1", "hello"); !errors.Is(err, ErrQuotaExhausted) {
		t.Errorf("Speak() error = %v, want ErrQuotaExhausted", err)
	}
	if synth.calls != 0 {
		t.Error("synthesizer must not be called when quota is denied")
	}
}

func TestSpeakCacheHitNeedsNoQuota(t *testing.T) {
	synth := &fakeSynth{}
	dir := t.TempDir()
	speaker, err := NewSpeaker(synth, ratelimit.NewAllowAll(), WithCacheDir(dir))
	if err != nil {
		t.Fatalf("NewSpeaker() error = %v", err)
	}
	if _, err := speaker.Speak(context.Background(), "p_1", "good morning"); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}

	// Same cache dir, limiter now denies everything: the cached phrase
	// must still be served.
	gated, err := NewSpeaker(synth, denyAll{}, WithCacheDir(dir))
	if err != nil {
		t.Fatalf("NewSpeaker() error = %v", err)
	}
	if _, err := gated.Speak(context.Background(), "p_1", "good morning"); err != nil {
		t.Errorf("cache hit should bypass quota, got %v", err)
	}
	if _, err := gated.Speak(context.Background(), "p_1", "new phrase"); !errors.Is(err, ErrQuotaExhausted) {
		t.Errorf("cache miss should hit quota, got %v", err)
	}
}

func TestSpeakSynthFailure(t *testing.T) {
	synth := &fakeSynth{err: errors.New("api down")}
	speaker, err := NewSpeaker(synth, ratelimit.NewAllowAll(), WithCacheDir(t.TempDir()))
	if err != nil {
		t.Fatalf("NewSpeaker() error = %v", err)
	}
	if _, err := speaker.Speak(context.Background(), "p_1", "hello"); err == nil {
		t.Error("Speak() should propagate synthesis errors")
	}
}
