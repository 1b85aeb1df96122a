package recognize

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// SignalMatchProvider recognizes audio against a signal-matching service:
// it validates (and, if necessary, reconstructs) the WAV container around
// the window's PCM payload before submitting it, and derives a confidence
// score from the match's reported time/frequency skew.
// Grounded on original_source/app/recognizers/shazamio_recognizer.py.
type SignalMatchProvider struct {
	Endpoint   string
	SampleRate int
	Channels   int
	HTTPClient *http.Client
}

// NewSignalMatchProvider builds a SignalMatchProvider with sane defaults.
func NewSignalMatchProvider(endpoint string, sampleRate, channels int) *SignalMatchProvider {
	if sampleRate == 0 {
		sampleRate = 44100
	}
	if channels == 0 {
		channels = 1
	}
	return &SignalMatchProvider{
		Endpoint:   endpoint,
		SampleRate: sampleRate,
		Channels:   channels,
		HTTPClient: &http.Client{},
	}
}

func (p *SignalMatchProvider) Name() string { return "signal-match" }

func (p *SignalMatchProvider) Recognize(ctx context.Context, payload []byte) Result {
	now := time.Now().UTC()

	wav := payload
	if !validWAVHeader(wav) {
		if len(wav) <= 1024 || len(wav)%2 != 0 {
			return errorResult(p.Name(), now, "invalid WAV format - cannot process audio")
		}
		slog.Info("reconstructing WAV header for raw PCM window")
		wav = reconstructWAVHeader(wav, p.SampleRate, p.Channels)
	}

	raw, err := p.submit(ctx, wav)
	if err != nil {
		return errorResult(p.Name(), now, err.Error())
	}

	return parseSignalMatchResponse(raw, now)
}

func (p *SignalMatchProvider) submit(ctx context.Context, wav []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(wav))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signal match request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read signal match response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Warn("signal match non-200", "status", resp.StatusCode)
	}
	return body, nil
}

// validWAVHeader checks the minimal set of header fields this system
// actually relies on: RIFF/WAVE/fmt container, PCM format, a plausible
// channel count and sample rate, and 16-bit samples. Ported from
// shazamio_recognizer.py:_validate_wav_header.
func validWAVHeader(wav []byte) bool {
	if len(wav) < 44 {
		return false
	}
	if !bytes.Equal(wav[0:4], []byte("RIFF")) {
		return false
	}
	if !bytes.Equal(wav[8:12], []byte("WAVE")) {
		return false
	}
	if !bytes.Equal(wav[12:16], []byte("fmt ")) {
		return false
	}

	audioFormat := binary.LittleEndian.Uint16(wav[20:22])
	if audioFormat != 1 {
		return false
	}

	channels := binary.LittleEndian.Uint16(wav[22:24])
	if channels != 1 && channels != 2 {
		return false
	}

	sampleRate := binary.LittleEndian.Uint32(wav[24:28])
	switch sampleRate {
	case 8000, 11025, 16000, 22050, 44100, 48000:
	default:
		return false
	}

	bitsPerSample := binary.LittleEndian.Uint16(wav[34:36])
	return bitsPerSample == 16
}

// reconstructWAVHeader wraps raw 16-bit PCM data in a canonical WAV
// container. Ported from shazamio_recognizer.py:_reconstruct_wav_header.
func reconstructWAVHeader(pcm []byte, sampleRate, channels int) []byte {
	dataSize := uint32(len(pcm))
	fileSize := 36 + dataSize
	byteRate := uint32(sampleRate * channels * 2)
	blockAlign := uint16(channels * 2)

	buf := new(bytes.Buffer)
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, fileSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
	buf.Write(pcm)

	return buf.Bytes()
}

type signalMatchResponse struct {
	Error   *signalMatchError `json:"error"`
	Matches []signalMatchHit  `json:"matches"`
	Track   *signalMatchTrack `json:"track"`
}

type signalMatchError struct {
	Message string `json:"message"`
}

type signalMatchHit struct {
	TimeSkew      float64 `json:"timeskew"`
	FrequencySkew float64 `json:"frequencyskew"`
}

type signalMatchTrack struct {
	Key      string               `json:"key"`
	Title    string               `json:"title"`
	Subtitle string               `json:"subtitle"`
	ISRC     string               `json:"isrc"`
	Sections []signalMatchSection `json:"sections"`
	Images   signalMatchImages    `json:"images"`
}

type signalMatchSection struct {
	Type     string                `json:"type"`
	Metadata []signalMatchMetadata `json:"metadata"`
}

type signalMatchMetadata struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type signalMatchImages struct {
	CoverArt   string `json:"coverart"`
	Background string `json:"background"`
}

func parseSignalMatchResponse(raw []byte, now time.Time) Result {
	var resp signalMatchResponse
	if err := sonic.Unmarshal(raw, &resp); err != nil {
		r := errorResult("signal-match", now, fmt.Sprintf("malformed match response: %v", err))
		r.RawResponse = raw
		return r
	}

	if resp.Error != nil {
		r := errorResult("signal-match", now, resp.Error.Message)
		r.RawResponse = raw
		return r
	}

	if len(resp.Matches) == 0 || resp.Track == nil {
		return noMatchResult("signal-match", now, raw)
	}

	track := resp.Track

	var album *string
	for _, section := range track.Sections {
		if section.Type != "SONG" {
			continue
		}
		for _, meta := range section.Metadata {
			if meta.Title == "Album" {
				album = strPtr(meta.Text)
				break
			}
		}
		break
	}

	artworkURL := track.Images.CoverArt
	if artworkURL == "" {
		artworkURL = track.Images.Background
	}

	confidence := confidenceFromSkew(resp.Matches[0])

	return Result{
		Provider:        "signal-match",
		ProviderTrackID: track.Key,
		Title:           track.Title,
		Artist:          track.Subtitle,
		Album:           album,
		ISRC:            strPtr(track.ISRC),
		ArtworkURL:      strPtr(artworkURL),
		Confidence:      &confidence,
		RecognizedAtUTC: now,
		RawResponse:     raw,
	}
}

// confidenceFromSkew derives a [0,1] confidence score from reported
// time/frequency skew: larger skew means a weaker alignment between the
// submitted audio and the matched reference. Ported from
// shazamio_recognizer.py:_calculate_confidence.
func confidenceFromSkew(hit signalMatchHit) float64 {
	timeSkew := abs(hit.TimeSkew)
	freqSkew := abs(hit.FrequencySkew)

	confidence := 1.0

	switch {
	case timeSkew > 0.001:
		confidence *= 0.6
	case timeSkew > 0.0001:
		confidence *= 0.8
	}

	switch {
	case freqSkew > 0.0001:
		confidence *= 0.7
	case freqSkew > 0.00001:
		confidence *= 0.9
	}

	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
