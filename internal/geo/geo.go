package geo

import (
	"errors"
	"fmt"
	"net"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oschwald/geoip2-golang"
)

var ErrInvalidIP = errors.New("invalid ip address")

// Resolver maps a client IP to an ISO country code.
type Resolver interface {
	Country(ip string) (string, bool)
}

// MaxMind resolves countries from a GeoLite2/GeoIP2 city database and caches
// answers, including misses, per address.
type MaxMind struct {
	reader *geoip2.Reader
	cache  *lru.Cache[string, string]
}

func OpenMaxMind(cityDBPath string, cacheSize int) (*MaxMind, error) {
	reader, err := geoip2.Open(cityDBPath)
	if err != nil {
		return nil, fmt.Errorf("open city database: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		reader.Close()
		return nil, err
	}
	return &MaxMind{reader: reader, cache: cache}, nil
}

func (m *MaxMind) Close() error {
	if m == nil || m.reader == nil {
		return nil
	}
	return m.reader.Close()
}

func (m *MaxMind) Country(ipAddress string) (string, bool) {
	if m == nil {
		return "", false
	}
	if code, ok := m.cache.Get(ipAddress); ok {
		return code, code != ""
	}
	code, err := m.lookup(ipAddress)
	if err != nil {
		code = ""
	}
	m.cache.Add(ipAddress, code)
	return code, code != ""
}

func (m *MaxMind) lookup(ipAddress string) (string, error) {
	ip := net.ParseIP(strings.TrimSpace(ipAddress))
	if ip == nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidIP, ipAddress)
	}
	record, err := m.reader.City(ip)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(record.Country.IsoCode), nil
}

// Static is a fixed table resolver, used when no database is configured
// and in tests.
type Static map[string]string

func (s Static) Country(ip string) (string, bool) {
	code, ok := s[ip]
	return code, ok && code != ""
}
