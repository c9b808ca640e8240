package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MMDBProvider resolves addresses from a local MaxMind country or city database.
type MMDBProvider struct {
	reader *geoip2.Reader
}

// OpenMMDB opens the database at path.
func OpenMMDB(path string) (*MMDBProvider, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geolocation database: %w", err)
	}
	return &MMDBProvider{reader: reader}, nil
}

// Name identifies the provider in metrics.
func (p *MMDBProvider) Name() string {
	return "mmdb"
}

// Lookup returns the English country name for address.
func (p *MMDBProvider) Lookup(_ context.Context, address string) (string, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return "", fmt.Errorf("invalid ip address: %s", address)
	}

	record, err := p.reader.Country(ip)
	if err != nil {
		return "", err
	}
	return record.Country.Names["en"], nil
}

// Close releases the database.
func (p *MMDBProvider) Close() error {
	return p.reader.Close()
}
