package system

import (
	"io"
	"net/http"
	"strings"
	"time"
)

// PublicIP detects the public IPv4 address of this machine. Used to build
// the advertised agent URL when the operator did not configure one.
func PublicIP() string {
	client := &http.Client{Timeout: 5 * time.Second}
	for _, url := range []string{
		"https://api.ipify.org",
		"https://ifconfig.me/ip",
		"https://icanhazip.com",
	} {
		resp, err := client.Get(url)
		if err != nil {
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		ip := strings.TrimSpace(string(body))
		if ip != "" {
			return ip
		}
	}
	return "0.0.0.0"
}
