package ble

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/chaz8081/blesc/internal/ble/protocol"
)

// Sighting summarizes every advertisement heard from one address during a
// survey.
type Sighting struct {
	Addr        protocol.Address
	Advert      protocol.Advert
	RSSI        int8 // strongest
	Count       int
	LastHeardAt time.Time
}

// SurveyOptions configures Survey.
type SurveyOptions struct {
	Duration time.Duration
	Classify protocol.ClassifyOptions
}

// DefaultSurveyOptions returns sensible defaults for a manual survey.
func DefaultSurveyOptions() SurveyOptions {
	return SurveyOptions{
		Duration: 10 * time.Second,
		Classify: protocol.ClassifyOptions{RssiLimit: -128},
	}
}

// Survey scans for opts.Duration and returns the bleams and iOS peers heard,
// strongest first. It owns the client for its whole duration.
func Survey(ctx context.Context, c *Client, opts SurveyOptions) ([]Sighting, error) {
	if opts.Duration <= 0 {
		opts.Duration = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("ble: survey: %w", err)
	}
	defer c.Pause()

	seen := make(map[protocol.Address]*Sighting)
	for {
		select {
		case <-ctx.Done():
			return sortSightings(seen), nil
		case ev := <-c.Events():
			adv, ok := ev.(AdvReport)
			if !ok {
				continue
			}
			a := protocol.Classify(adv.Data, adv.RSSI, opts.Classify)
			if a.Kind == protocol.AdvOther {
				continue
			}
			s, ok := seen[adv.Addr]
			if !ok {
				s = &Sighting{Addr: adv.Addr, RSSI: adv.RSSI}
				seen[adv.Addr] = s
			}
			s.Advert = a
			s.Count++
			s.LastHeardAt = time.Now()
			if adv.RSSI > s.RSSI {
				s.RSSI = adv.RSSI
			}
		}
	}
}

func sortSightings(seen map[protocol.Address]*Sighting) []Sighting {
	out := make([]Sighting, 0, len(seen))
	for _, s := range seen {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Addr.String() < out[j].Addr.String()
	})
	return out
}
