package recognize

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// FingerprintProvider computes an acoustic fingerprint by invoking an
// external fingerprint binary on a temporary file containing the window's
// PCM/RIFF payload, then looks the fingerprint up against a lookup API.
// Grounded on original_source/app/recognizers/acoustid_recognizer.py.
type FingerprintProvider struct {
	ClientKey       string
	ChromaprintPath string
	LookupURL       string
	HTTPClient      *http.Client
}

// NewFingerprintProvider builds a FingerprintProvider with sane defaults.
func NewFingerprintProvider(clientKey, chromaprintPath, lookupURL string) *FingerprintProvider {
	if lookupURL == "" {
		lookupURL = "https://api.acoustid.org/v2/lookup"
	}
	return &FingerprintProvider{
		ClientKey:       clientKey,
		ChromaprintPath: chromaprintPath,
		LookupURL:       lookupURL,
		HTTPClient:      &http.Client{},
	}
}

func (p *FingerprintProvider) Name() string { return "fingerprint-api" }

type fpcalcOutput struct {
	Fingerprint string  `json:"fingerprint"`
	Duration    float64 `json:"duration"`
}

func (p *FingerprintProvider) Recognize(ctx context.Context, payload []byte) Result {
	now := time.Now().UTC()

	fingerprint, err := p.generateFingerprint(ctx, payload)
	if err != nil {
		return errorResult(p.Name(), now, fmt.Sprintf("failed to generate audio fingerprint: %v", err))
	}
	if fingerprint == "" {
		return errorResult(p.Name(), now, "failed to generate audio fingerprint")
	}

	raw, err := p.queryLookup(ctx, fingerprint)
	if err != nil {
		return errorResult(p.Name(), now, err.Error())
	}

	return parseFingerprintResponse(raw, now)
}

func (p *FingerprintProvider) generateFingerprint(ctx context.Context, payload []byte) (string, error) {
	tmp, err := os.CreateTemp("", "echotag-*.wav")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, p.ChromaprintPath, "-json", tmpPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("fpcalc failed: %v: %s", err, stderr.String())
	}

	var out fpcalcOutput
	if err := sonic.Unmarshal(stdout.Bytes(), &out); err != nil {
		return "", fmt.Errorf("fpcalc returned malformed JSON: %w", err)
	}
	return out.Fingerprint, nil
}

func (p *FingerprintProvider) queryLookup(ctx context.Context, fingerprint string) ([]byte, error) {
	form := url.Values{
		"client":      {p.ClientKey},
		"fingerprint": {fingerprint},
		"meta":        {"recordings+releases+artists"},
		"format":      {"json"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.LookupURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read lookup response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		slog.Warn("fingerprint lookup non-200", "status", resp.StatusCode)
	}

	return body.Bytes(), nil
}

type fingerprintLookupResponse struct {
	Status  string                    `json:"status"`
	Error   *fingerprintLookupError   `json:"error"`
	Results []fingerprintLookupResult `json:"results"`
}

type fingerprintLookupError struct {
	Message string `json:"message"`
}

type fingerprintLookupResult struct {
	ID         string                       `json:"id"`
	Score      float64                      `json:"score"`
	Recordings []fingerprintLookupRecording `json:"recordings"`
}

type fingerprintLookupRecording struct {
	Title    string                    `json:"title"`
	Artists  []fingerprintLookupArtist `json:"artists"`
	Releases []fingerprintLookupRelease `json:"releases"`
}

type fingerprintLookupArtist struct {
	Name string `json:"name"`
}

type fingerprintLookupRelease struct {
	Title   string                 `json:"title"`
	Date    *fingerprintLookupDate `json:"date"`
	Country string                 `json:"country"`
}

type fingerprintLookupDate struct {
	Year int `json:"year"`
}

// majorMarkets is the small set of major-market country codes preferred
// when selecting a release, per the specification.
var majorMarkets = map[string]bool{
	"US": true, "GB": true, "DE": true, "FR": true, "JP": true,
}

func parseFingerprintResponse(raw []byte, now time.Time) Result {
	var resp fingerprintLookupResponse
	if err := sonic.Unmarshal(raw, &resp); err != nil {
		r := errorResult("fingerprint-api", now, fmt.Sprintf("malformed lookup response: %v", err))
		r.RawResponse = raw
		return r
	}

	if resp.Error != nil {
		r := errorResult("fingerprint-api", now, resp.Error.Message)
		r.RawResponse = raw
		return r
	}

	if resp.Status != "ok" {
		r := errorResult("fingerprint-api", now, fmt.Sprintf("lookup returned status %q", resp.Status))
		r.RawResponse = raw
		return r
	}

	if len(resp.Results) == 0 {
		r := noMatchResult("fingerprint-api", now, raw)
		return r
	}

	best := selectBestResult(resp.Results)

	if len(best.Recordings) == 0 {
		confidence := best.Score
		return Result{
			Provider:        "fingerprint-api",
			ProviderTrackID: best.ID,
			RecognizedAtUTC: now,
			Confidence:      &confidence,
			RawResponse:     raw,
		}
	}

	recording := best.Recordings[0]
	artistNames := make([]string, 0, len(recording.Artists))
	for _, a := range recording.Artists {
		if a.Name != "" {
			artistNames = append(artistNames, a.Name)
		}
	}
	artist := strings.Join(artistNames, ", ")

	var album *string
	if len(recording.Releases) > 0 {
		release := selectBestRelease(recording.Releases)
		album = strPtr(release.Title)
	}

	confidence := best.Score
	return Result{
		Provider:        "fingerprint-api",
		ProviderTrackID: best.ID,
		Title:           recording.Title,
		Artist:          artist,
		Album:           album,
		Confidence:      &confidence,
		RecognizedAtUTC: now,
		RawResponse:     raw,
	}
}

func selectBestResult(results []fingerprintLookupResult) fingerprintLookupResult {
	best := results[0]
	for _, r := range results[1:] {
		if r.Score > best.Score {
			best = r
		}
	}
	return best
}

// selectBestRelease chooses among candidate releases: prefer a release with
// a date, then a release in a major market, then the first remaining.
// Ported from acoustid_recognizer.py:_select_best_release.
func selectBestRelease(releases []fingerprintLookupRelease) fingerprintLookupRelease {
	candidates := releases

	dated := make([]fingerprintLookupRelease, 0, len(candidates))
	for _, r := range candidates {
		if r.Date != nil {
			dated = append(dated, r)
		}
	}
	if len(dated) > 0 {
		candidates = dated
	}

	major := make([]fingerprintLookupRelease, 0, len(candidates))
	for _, r := range candidates {
		if majorMarkets[r.Country] {
			major = append(major, r)
		}
	}
	if len(major) > 0 {
		candidates = major
	}

	return candidates[0]
}
