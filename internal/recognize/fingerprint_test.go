package recognize

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeChromaprint writes a shell script standing in for fpcalc: it ignores
// its arguments and prints canned fingerprint JSON to stdout, grounded on
// rbright-sotto's checkCommand fake-binary test pattern.
func fakeChromaprint(t *testing.T, fingerprint string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake chromaprint script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-fpcalc")
	script := "#!/bin/sh\necho '{\"fingerprint\": \"" + fingerprint + "\", \"duration\": 12.0}'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestFingerprintProviderRecognizeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"status": "ok",
			"results": [{
				"id": "result-1",
				"score": 0.95,
				"recordings": [{
					"title": "Example Song",
					"artists": [{"name": "Example Artist"}],
					"releases": [
						{"title": "Old Release", "country": "BR"},
						{"title": "Main Release", "country": "US", "date": {"year": 2020}}
					]
				}]
			}]
		}`))
	}))
	t.Cleanup(server.Close)

	p := NewFingerprintProvider("test-client-key", fakeChromaprint(t, "AQADtExample"), server.URL)
	result := p.Recognize(context.Background(), []byte("fake wav bytes"))

	require.True(t, result.IsSuccess())
	require.Equal(t, "fingerprint-api", result.Provider)
	require.Equal(t, "result-1", result.ProviderTrackID)
	require.Equal(t, "Example Song", result.Title)
	require.Equal(t, "Example Artist", result.Artist)
	require.NotNil(t, result.Album)
	require.Equal(t, "Main Release", *result.Album)
	require.NotNil(t, result.Confidence)
	require.InDelta(t, 0.95, *result.Confidence, 0.001)
}

func TestFingerprintProviderRecognizeNoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status": "ok", "results": []}`))
	}))
	t.Cleanup(server.Close)

	p := NewFingerprintProvider("test-client-key", fakeChromaprint(t, "AQADtExample"), server.URL)
	result := p.Recognize(context.Background(), []byte("fake wav bytes"))

	require.True(t, result.IsNoMatch())
}

func TestFingerprintProviderRecognizeAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status": "error", "error": {"message": "invalid api key"}}`))
	}))
	t.Cleanup(server.Close)

	p := NewFingerprintProvider("bad-key", fakeChromaprint(t, "AQADtExample"), server.URL)
	result := p.Recognize(context.Background(), []byte("fake wav bytes"))

	require.True(t, result.IsError())
	require.Equal(t, "invalid api key", result.ErrorMessage)
}

func TestFingerprintProviderFailsWhenBinaryMissing(t *testing.T) {
	p := NewFingerprintProvider("test-client-key", "/definitely/not/a/real/binary", "http://unused.invalid")
	result := p.Recognize(context.Background(), []byte("fake wav bytes"))

	require.True(t, result.IsError())
}

func TestSelectBestReleasePrefersDatedMajorMarket(t *testing.T) {
	releases := []fingerprintLookupRelease{
		{Title: "No Date No Market", Country: "BR"},
		{Title: "Dated Minor Market", Country: "BR", Date: &fingerprintLookupDate{Year: 2019}},
		{Title: "Dated Major Market", Country: "US", Date: &fingerprintLookupDate{Year: 2020}},
	}

	got := selectBestRelease(releases)
	require.Equal(t, "Dated Major Market", got.Title)
}

func TestSelectBestReleaseFallsBackToFirstWhenNoneDated(t *testing.T) {
	releases := []fingerprintLookupRelease{
		{Title: "First", Country: "BR"},
		{Title: "Second", Country: "AR"},
	}

	got := selectBestRelease(releases)
	require.Equal(t, "First", got.Title)
}
