// Package facematch compares two face images through an external
// Face++-compatible similarity provider. No biometric computation happens
// locally; the provider's score is normalized into a Result.
package facematch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MaxImageBytes caps each decoded image.
const MaxImageBytes = 5 << 20

// Confidence levels.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

var (
	// ErrDisabled is returned when no provider is configured.
	ErrDisabled = errors.New("face verification is not configured")
	// ErrNoFace is returned when the provider found no comparable face.
	ErrNoFace = errors.New("no face detected in one or both images")
	// ErrEmptyImage, ErrInvalidImage and ErrImageTooLarge are input errors
	// from DecodeImage.
	ErrEmptyImage    = errors.New("image is empty")
	ErrInvalidImage  = errors.New("image is not valid base64")
	ErrImageTooLarge = errors.New("image exceeds 5 MB")
)

// Result is the normalized comparison outcome.
type Result struct {
	Matched    bool    `json:"matched"`
	Similarity float64 `json:"similarity"` // 0..1
	Confidence string  `json:"confidence"` // high | medium | low
}

// Matcher compares two decoded images.
type Matcher interface {
	Compare(ctx context.Context, image1, image2 []byte) (Result, error)
}

// Disabled is the Matcher used when no provider is configured.
type Disabled struct{}

// Compare always returns ErrDisabled.
func (Disabled) Compare(context.Context, []byte, []byte) (Result, error) {
	return Result{}, ErrDisabled
}

// Config configures the provider client.
type Config struct {
	URL       string // base URL, e.g. https://api-us.faceplusplus.com
	APIKey    string
	APISecret string
	Timeout   time.Duration // default 20s
}

// Client calls {URL}/facepp/v3/compare.
type Client struct {
	endpoint   string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

// NewClient creates a provider client. Call Close at shutdown.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.URL, "/") + "/facepp/v3/compare",
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// ProviderError is returned for transport failures, non-200 answers and
// provider-reported errors.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("face provider: status %d: %s", e.Status, e.Message)
	}
	return "face provider: " + e.Message
}

type compareResponse struct {
	Confidence   *float64           `json:"confidence"`
	Thresholds   map[string]float64 `json:"thresholds"`
	ErrorMessage string             `json:"error_message"`
}

// Compare sends both images and normalizes the answer.
func (c *Client) Compare(ctx context.Context, image1, image2 []byte) (Result, error) {
	form := url.Values{}
	form.Set("api_key", c.apiKey)
	form.Set("api_secret", c.apiSecret)
	form.Set("image_base64_1", base64.StdEncoding.EncodeToString(image1))
	form.Set("image_base64_2", base64.StdEncoding.EncodeToString(image2))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, &ProviderError{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &ProviderError{Status: resp.StatusCode, Message: err.Error()}
	}

	var out compareResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, &ProviderError{Status: resp.StatusCode, Message: "unreadable response"}
	}
	if isNoFace(out.ErrorMessage) {
		return Result{}, ErrNoFace
	}
	if resp.StatusCode != http.StatusOK || out.ErrorMessage != "" {
		msg := out.ErrorMessage
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Result{}, &ProviderError{Status: resp.StatusCode, Message: msg}
	}
	return Normalize(out.Confidence, out.Thresholds)
}

// isNoFace reports whether a provider error message means an image held
// no usable face, e.g. "NO_FACE_FOUND: image_base64_1".
func isNoFace(msg string) bool {
	return strings.HasPrefix(msg, "NO_FACE_FOUND")
}

// Default thresholds used when the provider omits them. These are the
// published Face++ values for false accept rates 1e-3, 1e-4 and 1e-5.
var defaultThresholds = map[string]float64{
	"1e-3": 62.327,
	"1e-4": 69.101,
	"1e-5": 73.975,
}

// Normalize maps a provider confidence (0..100) and thresholds to a
// Result. A nil confidence means no face was found.
func Normalize(confidence *float64, thresholds map[string]float64) (Result, error) {
	if confidence == nil {
		return Result{}, ErrNoFace
	}
	t4, ok4 := thresholds["1e-4"]
	t5, ok5 := thresholds["1e-5"]
	if !ok4 {
		t4 = defaultThresholds["1e-4"]
	}
	if !ok5 {
		t5 = defaultThresholds["1e-5"]
	}

	c := *confidence
	level := ConfidenceLow
	switch {
	case c >= t5:
		level = ConfidenceHigh
	case c >= t4:
		level = ConfidenceMedium
	}
	return Result{
		Matched:    c >= t4,
		Similarity: math.Round(c*100) / 10000,
		Confidence: level,
	}, nil
}

// DecodeImage decodes a base64 image, accepting an optional data: URL
// prefix, and enforces MaxImageBytes.
func DecodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	if s == "" {
		return nil, ErrEmptyImage
	}
	if base64.StdEncoding.DecodedLen(len(s)) > MaxImageBytes+3 {
		return nil, ErrImageTooLarge
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if b, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil, ErrInvalidImage
		}
	}
	if len(b) == 0 {
		return nil, ErrEmptyImage
	}
	if len(b) > MaxImageBytes {
		return nil, ErrImageTooLarge
	}
	return b, nil
}
