// Package geo resolves source IPs to a (country, region, city) tuple.
package geo

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"traffic-prism/internal/models"
)

// Location is empty when the address could not be resolved.
type Location struct {
	Country string
	Region  string
	City    string
}

type Resolver interface {
	Resolve(ip string) Location
	Close() error
}

// Open returns a MaxMind-backed resolver, or a resolver that never
// resolves anything when path is empty.
func Open(path string) (Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return Nop{}, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &MaxMind{reader: reader}, nil
}

type MaxMind struct {
	reader *geoip2.Reader
}

func (m *MaxMind) Resolve(ip string) Location {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil || addr.IsLoopback() || addr.IsPrivate() {
		return Location{}
	}
	record, err := m.reader.City(addr)
	if err != nil {
		return Location{}
	}
	loc := Location{
		Country: record.Country.IsoCode,
		City:    record.City.Names["en"],
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].IsoCode
	}
	return loc
}

func (m *MaxMind) Close() error { return m.reader.Close() }

type Nop struct{}

func (Nop) Resolve(string) Location { return Location{} }

func (Nop) Close() error { return nil }

// Annotate fills the event's location fields unless they are already set.
func Annotate(r Resolver, ev *models.Event) {
	if ev.GeoKey() != "" || ev.IPAddress == "" {
		return
	}
	loc := r.Resolve(ev.IPAddress)
	ev.Country, ev.Region, ev.City = loc.Country, loc.Region, loc.City
}
