package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomCodeRegex matches codes users type when joining a call.
	RoomCodeRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ValidateRoomCode validates a room code entered by a user.
func ValidateRoomCode(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("room code is required")
	}
	if len(code) > 64 {
		return fmt.Errorf("room code is too long (max 64 characters)")
	}
	if !RoomCodeRegex.MatchString(code) {
		return fmt.Errorf("room code contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateSignalURL validates the relay endpoint a client dials.
func ValidateSignalURL(urlStr string) error {
	if err := ValidateURL(urlStr); err != nil {
		return err
	}
	u, _ := url.Parse(urlStr)
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("signal URL must use ws or wss")
	}
	return nil
}

// ValidateIPv4 validates a dotted-quad IPv4 address.
func ValidateIPv4(ip string) error {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil || parsed.To4() == nil {
		return fmt.Errorf("invalid IPv4 address: %q", ip)
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
