package domain

import (
	"os"
	"runtime"
	"strings"
	"time"
)

// Device describes this installation to the push backend.
type Device struct {
	Type       string `json:"deviceType"`
	Name       string `json:"deviceName"`
	AppVersion string `json:"appVersion"`
}

// CurrentDevice reports the host OS and name. installationID is used as the
// name when the hostname is unavailable.
func CurrentDevice(appVersion, installationID string) Device {
	name, err := os.Hostname()
	name = strings.TrimSpace(name)
	if err != nil || name == "" {
		name = "device-" + shortID(installationID)
	}
	return Device{Type: runtime.GOOS, Name: name, AppVersion: strings.TrimSpace(appVersion)}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "unknown"
	}
	return id
}

// Registration is the push token the backend currently holds for a user.
type Registration struct {
	Token        string    `json:"token"`
	UserID       string    `json:"userId"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (r Registration) Matches(token, userID string) bool {
	return r.Token == token && r.UserID == userID
}

// Ack is the outcome of a register or unregister call. Skipped means no
// request was needed; Discarded means the session ended before the
// response arrived, so the result was not recorded.
type Ack struct {
	Message   string
	Skipped   bool
	Discarded bool
}
