package geo

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-prism/internal/models"
)

type fixed Location

func (f fixed) Resolve(string) Location { return Location(f) }
func (fixed) Close() error              { return nil }

func TestOpen_EmptyPathIsNop(t *testing.T) {
	r, err := Open("")
	require.NoError(t, err)
	assert.Equal(t, Location{}, r.Resolve("8.8.8.8"))
	assert.NoError(t, r.Close())
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open("/nonexistent/GeoLite2-City.mmdb")
	assert.Error(t, err)
}

func TestAnnotate(t *testing.T) {
	r := fixed{Country: "DE", Region: "BE", City: "Berlin"}

	ev := &models.Event{IPAddress: "203.0.113.9"}
	Annotate(r, ev)
	assert.Equal(t, "DE|BE|Berlin", ev.GeoKey())

	preset := &models.Event{IPAddress: "203.0.113.9", Country: "FR"}
	Annotate(r, preset)
	assert.Equal(t, "FR", preset.Country, "an existing location is kept")

	noIP := &models.Event{}
	Annotate(r, noIP)
	assert.Empty(t, noIP.GeoKey())
}

func TestMaxMind_PrivateAddressesAreUnresolved(t *testing.T) {
	path := os.Getenv("TEST_GEOIP_DB")
	if path == "" {
		t.Skip("TEST_GEOIP_DB not set")
	}
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, Location{}, r.Resolve("10.0.0.1"))
	assert.Equal(t, Location{}, r.Resolve("not-an-ip"))
}
