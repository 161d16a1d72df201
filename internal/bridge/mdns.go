package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service type bridges advertise under.
const ServiceType = "_missionpilot._tcp"

// ErrNotDiscovered is returned when no bridge answered an mDNS query.
var ErrNotDiscovered = errors.New("no bridge found on the local network")

// Advertise announces a bridge listening on port. Call Shutdown on the
// returned server to withdraw it.
func Advertise(name string, port int, url string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "missionpilot"
	}
	txtRecords := []string{
		fmt.Sprintf("name=%s", name),
		fmt.Sprintf("url=%s", url),
	}
	service, err := mdns.NewMDNSService(name, ServiceType, "local", "", port, nil, txtRecords)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{
		Zone: service,
	})
}

// Discover queries the local network for a bridge and returns its URL.
func Discover(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	entries := make(chan *mdns.ServiceEntry, 16)
	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	done := make(chan error, 1)
	go func() { done <- mdns.Query(params) }()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case entry := <-entries:
			if u := entryURL(entry); u != "" {
				return u, nil
			}
		case err := <-done:
			if err != nil {
				return "", fmt.Errorf("mdns query: %w", err)
			}
			for {
				select {
				case entry := <-entries:
					if u := entryURL(entry); u != "" {
						return u, nil
					}
				default:
					return "", ErrNotDiscovered
				}
			}
		}
	}
}

// entryURL prefers the advertised url record and falls back to the
// entry's IPv4 address.
func entryURL(entry *mdns.ServiceEntry) string {
	if entry == nil {
		return ""
	}
	for _, field := range entry.InfoFields {
		if u, ok := strings.CutPrefix(field, "url="); ok && u != "" {
			return u
		}
	}
	if entry.AddrV4 != nil && entry.Port > 0 {
		return "http://" + net.JoinHostPort(entry.AddrV4.String(), strconv.Itoa(entry.Port))
	}
	return ""
}
