package auth

import (
	"os"
	"os/user"
	"strings"

	"github.com/google/uuid"
)

// DeviceInfo is the fingerprint sent with login
type DeviceInfo struct {
	Type     string `json:"type"`
	Browser  string `json:"browser"`
	OS       string `json:"os"`
	DeviceID string `json:"deviceId,omitempty"`
}

// ParseDevice derives the device fingerprint from a user agent string
func ParseDevice(userAgent, deviceID string) DeviceInfo {
	ua := strings.ToLower(userAgent)

	info := DeviceInfo{Type: "desktop", Browser: "Unknown", OS: "Unknown", DeviceID: deviceID}

	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		info.Type = "tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "iphone") || strings.Contains(ua, "android"):
		info.Type = "mobile"
	case strings.HasPrefix(ua, "sessionctl/") || strings.Contains(ua, "go-http-client"):
		info.Type = "cli"
	}

	// Order matters: Edge and Chrome both claim Safari, Edge claims Chrome
	switch {
	case strings.Contains(ua, "edg/") || strings.Contains(ua, "edge/"):
		info.Browser = "Edge"
	case strings.Contains(ua, "firefox/"):
		info.Browser = "Firefox"
	case strings.Contains(ua, "chrome/") || strings.Contains(ua, "crios/"):
		info.Browser = "Chrome"
	case strings.Contains(ua, "safari/"):
		info.Browser = "Safari"
	case strings.HasPrefix(ua, "sessionctl/"):
		info.Browser = "sessionctl"
	}

	switch {
	case strings.Contains(ua, "windows"):
		info.OS = "Windows"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ios"):
		info.OS = "iOS"
	case strings.Contains(ua, "mac os") || strings.Contains(ua, "macos") || strings.Contains(ua, "darwin"):
		info.OS = "macOS"
	case strings.Contains(ua, "android"):
		info.OS = "Android"
	case strings.Contains(ua, "linux"):
		info.OS = "Linux"
	}

	return info
}

// InstallationID returns a stable id for this host and OS user
func InstallationID() string {
	host, _ := os.Hostname()
	name := ""
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(host+"/"+name)).String()
}
