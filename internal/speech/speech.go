// Package speech synthesizes spoken audio for patient devices using the
// OpenAI TTS API.
//
// Synthesized clips are cached on disk keyed by a digest of the input, so
// repeated phrases (time announcements, fixed reminders) cost quota only
// once. Fresh synthesis is gated by the shared rate limiter.
package speech

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/crypto/sha3"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/ratelimit"
)

// ErrQuotaExhausted is returned when the rate limiter denies a synthesis.
var ErrQuotaExhausted = errors.New("speech synthesis quota exhausted")

// ErrSynthesisUnavailable is returned when no synthesizer is configured.
var ErrSynthesisUnavailable = errors.New("speech synthesis unavailable")

// Synthesizer turns text into audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// OpenAIClient synthesizes speech through the OpenAI audio API.
type OpenAIClient struct {
	client openai.Client
	voice  openai.AudioSpeechNewParamsVoice
}

// NewOpenAIClient initializes the TTS client using the OPENAI_API_KEY
// environment variable.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		voice:  openai.AudioSpeechNewParamsVoiceAlloy,
	}, nil
}

// Synthesize returns MP3 audio for the given text.
func (c *OpenAIClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	res, err := c.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModelTTS1,
		Voice:          c.voice,
		Input:          text,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		slog.Error("Speech synthesis request failed", "error", err)
		return nil, fmt.Errorf("failed to synthesize speech: %w", err)
	}
	defer res.Body.Close()
	audio, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read synthesized audio: %w", err)
	}
	slog.Debug("Speech synthesized", "text_length", len(text), "audio_bytes", len(audio))
	return audio, nil
}

// Opts holds configuration options for the speaker.
type Opts struct {
	CacheDir string
}

// Option defines a configuration option for the speaker.
type Option func(*Opts)

// WithCacheDir sets the on-disk cache directory.
func WithCacheDir(dir string) Option {
	return func(o *Opts) {
		o.CacheDir = dir
	}
}

// Speaker serves audio for action texts, caching synthesized clips on disk
// and charging fresh synthesis against the patient's TTS quota.
type Speaker struct {
	synth    Synthesizer
	limiter  ratelimit.Limiter
	cacheDir string
}

// NewSpeaker creates a speaker over a synthesizer and a limiter.
func NewSpeaker(synth Synthesizer, limiter ratelimit.Limiter, opts ...Option) (*Speaker, error) {
	cfg := Opts{CacheDir: filepath.Join(os.TempDir(), "carepipe-tts")}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create speech cache directory: %w", err)
	}
	return &Speaker{synth: synth, limiter: limiter, cacheDir: cfg.CacheDir}, nil
}

// cachePath derives the cache file for a text.
func (s *Speaker) cachePath(text string) string {
	sum := sha3.Sum256([]byte(text))
	return filepath.Join(s.cacheDir, hex.EncodeToString(sum[:])+".mp3")
}

// Speak returns audio for the text. Cache hits are free; misses reserve
// TTS quota for the patient before synthesizing, and fail with
// ErrQuotaExhausted when the reservation is denied.
func (s *Speaker) Speak(ctx context.Context, patientID, text string) ([]byte, error) {
	if s.synth == nil {
		return nil, ErrSynthesisUnavailable
	}
	path := s.cachePath(text)
	if audio, err := os.ReadFile(path); err == nil {
		slog.Debug("Speech cache hit", "patient_id", patientID, "text_length", len(text))
		return audio, nil
	}

	if !s.limiter.Reserve(ctx, patientID, models.ResourceTTS, len(text)) {
		slog.Warn("Speech synthesis denied by quota", "patient_id", patientID)
		return nil, ErrQuotaExhausted
	}

	audio, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, audio, 0644); err != nil {
		// A failed cache write costs a future synthesis, nothing more.
		slog.Warn("Failed to cache synthesized speech", "error", err)
	}
	return audio, nil
}
