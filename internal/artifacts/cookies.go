package artifacts

import (
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// FromNetwork converts cookies reported by the browser into their persisted form.
func FromNetwork(in []*network.Cookie) []Cookie {
	out := make([]Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		out = append(out, Cookie{
			Name:         c.Name,
			Value:        c.Value,
			Domain:       c.Domain,
			Path:         c.Path,
			Expires:      c.Expires,
			Size:         c.Size,
			HTTPOnly:     c.HTTPOnly,
			Secure:       c.Secure,
			Session:      c.Session,
			SameSite:     c.SameSite.String(),
			Priority:     c.Priority.String(),
			SourceScheme: c.SourceScheme.String(),
			SourcePort:   c.SourcePort,
		})
	}
	return Dedupe(out)
}

// ToParams converts persisted cookies into Network.setCookies parameters.
// Session cookies and cookies without a positive expiry are sent without one.
func ToParams(in []Cookie) []*network.CookieParam {
	in = Dedupe(in)
	out := make([]*network.CookieParam, 0, len(in))
	for _, c := range in {
		if c.Name == "" {
			continue
		}
		p := &network.CookieParam{
			Name:         c.Name,
			Value:        c.Value,
			Domain:       c.Domain,
			Path:         c.Path,
			Secure:       c.Secure,
			HTTPOnly:     c.HTTPOnly,
			SameSite:     network.CookieSameSite(c.SameSite),
			Priority:     network.CookiePriority(c.Priority),
			SourceScheme: network.CookieSourceScheme(c.SourceScheme),
		}
		if c.SourcePort > 0 {
			p.SourcePort = c.SourcePort
		}
		if !c.Session && c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			exp := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*float64(time.Second))))
			p.Expires = &exp
		}
		out = append(out, p)
	}
	return out
}

// Dedupe drops cookies that repeat an earlier name+domain+path, keeping order.
func Dedupe(cookies []Cookie) []Cookie {
	if len(cookies) == 0 {
		return []Cookie{}
	}
	seen := make(map[string]struct{}, len(cookies))
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		key := c.Name + "\x00" + c.Domain + "\x00" + c.Path
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}
