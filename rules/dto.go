package rules

import (
	"time"

	"github.com/IvanBrykalov/swrcache/cache"
	"go.trai.ch/zerr"
)

type file struct {
	Defaults policyDTO   `yaml:"defaults"`
	Rules    []policyDTO `yaml:"rules"`
}

// policyDTO mirrors Policy with optional fields so unset values inherit.
type policyDTO struct {
	Prefix             string `yaml:"prefix"`
	TTL                string `yaml:"ttl"`
	Priority           string `yaml:"priority"`
	MinInterval        string `yaml:"min_interval"`
	RevalidateInterval string `yaml:"revalidate_interval"`
	RevalidateOnMount  *bool  `yaml:"revalidate_on_mount"`
	RevalidateOnFocus  *bool  `yaml:"revalidate_on_focus"`
	Timeout            string `yaml:"timeout"`
	RetryAttempts      *int   `yaml:"retry_attempts"`
}

func (d policyDTO) apply(base Policy) (Policy, error) {
	p := base
	var err error
	if p.TTL, err = duration("ttl", d.TTL, p.TTL); err != nil {
		return p, err
	}
	if p.MinInterval, err = duration("min_interval", d.MinInterval, p.MinInterval); err != nil {
		return p, err
	}
	if p.RevalidateInterval, err = duration("revalidate_interval", d.RevalidateInterval, p.RevalidateInterval); err != nil {
		return p, err
	}
	if p.Timeout, err = duration("timeout", d.Timeout, p.Timeout); err != nil {
		return p, err
	}
	if d.Priority != "" {
		if p.Priority, err = cache.ParsePriority(d.Priority); err != nil {
			return p, err
		}
	}
	if d.RevalidateOnMount != nil {
		p.RevalidateOnMount = *d.RevalidateOnMount
	}
	if d.RevalidateOnFocus != nil {
		p.RevalidateOnFocus = *d.RevalidateOnFocus
	}
	if d.RetryAttempts != nil {
		p.RetryAttempts = max(*d.RetryAttempts, 1)
	}
	return p, nil
}

func duration(field, s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback, zerr.With(zerr.With(ErrInvalidDuration, "field", field), "value", s)
	}
	return d, nil
}
