package network

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Device describes the client that made a request. Admin sessions are bound
// to the fingerprint of the device that created them.
type Device struct {
	Browser   string `bson:"browser" json:"browser"`
	Platform  string `bson:"platform" json:"platform"`
	UserAgent string `bson:"user_agent" json:"user_agent"`
	IP        string `bson:"ip" json:"ip"`
}

// ParseDevice reads browser, platform, user agent and IP from request headers.
// The Sec-CH-UA-Platform client hint overrides the platform guessed from the
// User-Agent when the browser sends it.
func ParseDevice(r *http.Request) Device {
	ua := strings.TrimSpace(r.UserAgent())
	d := Device{
		Browser:   browserFromUA(ua),
		Platform:  platformFromUA(ua),
		UserAgent: ua,
		IP:        GetClientIP(r),
	}
	if hint := strings.Trim(r.Header.Get("Sec-CH-UA-Platform"), `" `); hint != "" {
		d.Platform = normalizePlatformHint(hint)
	}
	return d
}

// Fingerprint is a stable hash of browser, platform and user agent.
// The IP is recorded on the session but left out so a phone moving between
// networks keeps its session.
func (d Device) Fingerprint() string {
	sum := sha256.Sum256([]byte(d.Browser + "|" + d.Platform + "|" + d.UserAgent))
	return hex.EncodeToString(sum[:16])
}

// Label is a short human-readable description, e.g. "Chrome on macOS".
func (d Device) Label() string {
	return d.Browser + " on " + d.Platform
}

func browserFromUA(ua string) string {
	switch {
	case ua == "":
		return "Unknown"
	case strings.Contains(ua, "Edg/"), strings.Contains(ua, "EdgA/"), strings.Contains(ua, "EdgiOS/"):
		return "Edge"
	case strings.Contains(ua, "OPR/"), strings.Contains(ua, "Opera"):
		return "Opera"
	case strings.Contains(ua, "SamsungBrowser/"):
		return "Samsung Internet"
	case strings.Contains(ua, "Firefox/"), strings.Contains(ua, "FxiOS/"):
		return "Firefox"
	case strings.Contains(ua, "CriOS/"), strings.Contains(ua, "Chrome/"):
		return "Chrome"
	case strings.Contains(ua, "Safari/"):
		return "Safari"
	}
	return "Unknown"
}

func platformFromUA(ua string) string {
	switch {
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"), strings.Contains(ua, "iPod"):
		return "iOS"
	case strings.Contains(ua, "Android"):
		return "Android"
	case strings.Contains(ua, "CrOS"):
		return "ChromeOS"
	case strings.Contains(ua, "Macintosh"), strings.Contains(ua, "Mac OS X"):
		return "macOS"
	case strings.Contains(ua, "Linux"):
		return "Linux"
	}
	return "Unknown"
}

func normalizePlatformHint(hint string) string {
	switch strings.ToLower(hint) {
	case "windows":
		return "Windows"
	case "macos":
		return "macOS"
	case "ios":
		return "iOS"
	case "android":
		return "Android"
	case "chrome os", "chromeos":
		return "ChromeOS"
	case "linux":
		return "Linux"
	}
	return hint
}
