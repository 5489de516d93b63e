package geo

import (
	"context"
	"errors"
	"time"

	"nodepool/pkg/log"
	"nodepool/pkg/models"
)

// Resolver tries the offline database first and the online service second.
type Resolver struct {
	offline *Database
	online  *Online
	device  *Point
}

// NewResolver combines the sources. Either source may be nil; device may be nil when
// the device position is unknown.
func NewResolver(offline *Database, online *Online, device *Point) *Resolver {
	return &Resolver{offline: offline, online: online, device: device}
}

// Enabled reports whether any source is configured.
func (r *Resolver) Enabled() bool {
	return r != nil && (r.offline.Len() > 0 || r.online != nil)
}

// Lookup resolves the endpoint's host. Hostnames and IPv6 without online coverage miss.
func (r *Resolver) Lookup(ctx context.Context, endpoint models.Endpoint) (Location, error) {
	addr, ok := endpoint.Addr()
	if !ok {
		return Location{}, ErrNotFound
	}
	if loc, ok := r.offline.Lookup(addr); ok {
		return loc, nil
	}
	if r.online == nil {
		return Location{}, ErrNotFound
	}
	return r.online.Lookup(ctx, addr)
}

// Enrich looks the endpoint up and returns a mutator filling the geo hints. A miss still
// stamps GeoCheckedAt so the node is not retried every cycle.
func (r *Resolver) Enrich(ctx context.Context, endpoint models.Endpoint, now time.Time) func(*models.NodeProfile) {
	loc, err := r.Lookup(ctx, endpoint)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Debug().Str("endpoint", endpoint.Key()).Err(err).Msg("Geo lookup failed")
		}
		if errors.Is(err, ErrRateLimited) {
			return nil
		}
		return func(p *models.NodeProfile) {
			p.Hints.GeoCheckedAt = now
		}
	}

	return func(p *models.NodeProfile) {
		ApplyLocation(&p.Hints, loc, r.device)
		p.Hints.GeoCheckedAt = now
	}
}

// ApplyLocation copies loc into hints and derives distance and predicted RTT from device.
func ApplyLocation(hints *models.NetworkHints, loc Location, device *Point) {
	hints.Latitude = models.Float(loc.Latitude)
	hints.Longitude = models.Float(loc.Longitude)
	if loc.CountryCode != "" {
		hints.CountryCode = loc.CountryCode
	}
	if loc.ASN != "" {
		hints.ASN = loc.ASN
	}
	if device == nil {
		return
	}
	km := DistanceKm(*device, Point{Latitude: loc.Latitude, Longitude: loc.Longitude})
	hints.GeoDistanceKm = models.Float(km)
	hints.PredictedMinRTTMs = models.Float(PredictedMinRTTMs(km))
}
