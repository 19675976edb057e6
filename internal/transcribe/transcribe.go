// Package transcribe downloads episode audio and produces timestamped
// transcript segments via a speech-to-text backend. The STT engine keeps
// its model resident server-side and is reached over HTTP behind a narrow
// client, the same way ffmpeg sits behind the audio-edit adapter.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"podscrub/internal/podutil"
	"podscrub/internal/urlguard"
)

// Downloader fetches episode audio to a local path, enforcing the SSRF
// guard and a maximum byte count.
type Downloader struct {
	Client        *http.Client
	MaxBytes      int64
	DownloadDir   string
	UserAgent     string
	Resolver      urlguard.Resolver
}

func NewDownloader(maxBytes int64, downloadDir string) *Downloader {
	return &Downloader{
		Client:      &http.Client{Timeout: 30 * time.Minute},
		MaxBytes:    maxBytes,
		DownloadDir: downloadDir,
		UserAgent:   "Mozilla/5.0 (compatible; podscrub/1.0)",
		Resolver:    urlguard.DefaultResolver,
	}
}

// Download fetches audioURL to a temp file under DownloadDir and returns
// its path. Callers are responsible for removing the file once done.
func (d *Downloader) Download(ctx context.Context, audioURL string) (string, error) {
	safeURL, err := urlguard.Validate(ctx, audioURL, d.Resolver)
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, safeURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", d.UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := d.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch audio: HTTP %d", resp.StatusCode)
	}

	if cl := resp.ContentLength; cl > 0 && d.MaxBytes > 0 && cl > d.MaxBytes {
		return "", fmt.Errorf("audio file too large: %d bytes (max %d)", cl, d.MaxBytes)
	}

	if err := os.MkdirAll(d.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	outPath := filepath.Join(d.DownloadDir, uuid.New().String()+".mp3")

	f, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer f.Close()

	var limit io.Reader = resp.Body
	if d.MaxBytes > 0 {
		limit = io.LimitReader(resp.Body, d.MaxBytes+1)
	}
	n, err := io.Copy(f, limit)
	if err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("write audio: %w", err)
	}
	if d.MaxBytes > 0 && n > d.MaxBytes {
		os.Remove(outPath)
		return "", fmt.Errorf("audio file too large: exceeded %d bytes", d.MaxBytes)
	}

	return outPath, nil
}

// sttSegment mirrors the JSON shape returned by the STT backend.
type sttSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Client speaks to an STT backend (a faster-whisper server or compatible
// HTTP transcription service) over a simple multipart-upload endpoint.
type Client struct {
	HTTPClient   *http.Client
	Endpoint     string
	InitialPrompt string
}

func NewClient(endpoint string) *Client {
	return &Client{
		HTTPClient:    &http.Client{Timeout: 20 * time.Minute},
		Endpoint:      endpoint,
		InitialPrompt: "This is a podcast episode.",
	}
}

// Transcribe uploads the audio file at path and returns timestamped
// segments. Implements verify.Transcriber.
func (c *Client) Transcribe(ctx context.Context, path string) ([]podutil.Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio into request: %w", err)
	}
	writer.WriteField("language", "en")
	writer.WriteField("initial_prompt", c.InitialPrompt)
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("transcription backend returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Segments []sttSegment `json:"segments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode transcription response: %w", err)
	}

	segments := make([]podutil.Segment, 0, len(parsed.Segments))
	for _, s := range parsed.Segments {
		segments = append(segments, podutil.Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	return segments, nil
}
