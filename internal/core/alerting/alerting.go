// Package alerting decides which health transitions deserve a notification
// and renders the notification text. This package contains NO I/O.
package alerting

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
)

// =============================================================================
// Alert Kinds
// =============================================================================

// Kind is the category of an alert.
type Kind string

const (
	KindDown      Kind = "down"
	KindUnhealthy Kind = "unhealthy"
	KindRecovered Kind = "recovered"
)

// BypassesCooldown reports whether alerts of this kind are never suppressed.
func (k Kind) BypassesCooldown() bool {
	return k == KindRecovered
}

// Candidate is an alert that a transition qualifies for. Whether it is
// actually sent depends on the cooldown state held by the dispatcher.
type Candidate struct {
	Kind     Kind
	Current  domain.ServerStatus
	Previous *domain.ServerStatus
}

// CooldownKey returns the key under which the last send time of this
// candidate is tracked.
func (c Candidate) CooldownKey() string {
	return cooldownKey(c.Current.Identity(), c.Kind)
}

// CooldownKey builds name:port for down alerts and name:port:kind otherwise.
func CooldownKey(name string, port int, kind Kind) string {
	return cooldownKey(domain.Identity(name, port), kind)
}

func cooldownKey(base string, kind Kind) string {
	if kind == KindDown {
		return base
	}
	return base + ":" + string(kind)
}

// =============================================================================
// Transition Evaluation (Pure Functions)
// =============================================================================

// Evaluate compares two aggregates and returns the alert candidates, ordered
// by port. prev may be nil for the first computation.
//
// A server is down when it stops after running or is stopped on first
// observation; a server that stays stopped produces nothing new. Servers
// whose status could not be determined produce no candidates, and an errored
// previous entry counts as no observation at all. A server that comes back
// running but still critical yields an unhealthy candidate rather than a
// recovery.
func Evaluate(prev, cur *domain.AggregateStatus) []Candidate {
	if cur == nil {
		return nil
	}

	ports := make([]int, 0, len(cur.Servers))
	for p := range cur.Servers {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	var out []Candidate
	for _, port := range ports {
		now := cur.Servers[port]
		if now.Status == domain.StateError {
			continue
		}

		var before *domain.ServerStatus
		if p, ok := prev.Server(port); ok && p.Status != domain.StateError {
			before = &p
		}

		out = append(out, evaluateServer(before, now)...)
	}
	return out
}

func evaluateServer(before *domain.ServerStatus, now domain.ServerStatus) []Candidate {
	if !now.Running {
		if before == nil || before.Running {
			return []Candidate{{Kind: KindDown, Current: now, Previous: before}}
		}
		return nil
	}

	if now.HealthTier == domain.HealthTierCritical {
		return []Candidate{{Kind: KindUnhealthy, Current: now, Previous: before}}
	}

	if before != nil && (!before.Running || before.HealthTier == domain.HealthTierCritical) {
		return []Candidate{{Kind: KindRecovered, Current: now, Previous: before}}
	}

	return nil
}

// =============================================================================
// History
// =============================================================================

// History remembers the last determined status of each server so that a
// computation that errored does not stand in for the state before it. The
// zero value is ready to use. History is not safe for concurrent use.
type History struct {
	known map[int]domain.ServerStatus
}

// Evaluate is like the package-level Evaluate, except that an errored entry
// in prev is replaced by the last determined status of that server.
func (h *History) Evaluate(prev, cur *domain.AggregateStatus) []Candidate {
	if h.known == nil {
		h.known = make(map[int]domain.ServerStatus)
	}
	h.record(prev)

	base := prev
	if prev != nil {
		base = &domain.AggregateStatus{Servers: make(map[int]domain.ServerStatus, len(prev.Servers))}
		for port, s := range prev.Servers {
			if s.Status == domain.StateError {
				known, ok := h.known[port]
				if !ok {
					continue
				}
				s = known
			}
			base.Servers[port] = s
		}
	}

	out := Evaluate(base, cur)
	h.record(cur)
	return out
}

func (h *History) record(a *domain.AggregateStatus) {
	if a == nil {
		return
	}
	for port, s := range a.Servers {
		if s.Status != domain.StateError {
			h.known[port] = s
		}
	}
}

// =============================================================================
// Message Rendering (Pure Functions)
// =============================================================================

// MessageOptions controls message rendering.
type MessageOptions struct {
	Location     *time.Location
	DashboardURL string
}

func (o MessageOptions) stamp(at time.Time) string {
	loc := o.Location
	if loc == nil {
		loc = time.UTC
	}
	return at.In(loc).Format("02/01/2006 15:04:05 MST")
}

func (o MessageOptions) footer(b *strings.Builder) {
	if o.DashboardURL != "" {
		fmt.Fprintf(b, "\n\n🔗 <a href=\"%s\">Open dashboard</a>", html.EscapeString(o.DashboardURL))
	}
}

// Render formats the candidate as a Telegram HTML message.
func Render(c Candidate, at time.Time, opts MessageOptions) string {
	var b strings.Builder
	name := html.EscapeString(c.Current.Name)

	switch c.Kind {
	case KindDown:
		b.WriteString("🚨 <b>SERVER DOWN</b> 🚨\n\n")
		fmt.Fprintf(&b, "<b>Server:</b> %s\n", name)
		fmt.Fprintf(&b, "<b>Port:</b> %d\n", c.Current.Port)
		fmt.Fprintf(&b, "<b>Status:</b> %s\n", c.Current.Status)
		if c.Current.Error != "" {
			fmt.Fprintf(&b, "<b>Error:</b> %s\n", html.EscapeString(c.Current.Error))
		}
		fmt.Fprintf(&b, "\n<b>Time:</b> %s", opts.stamp(at))
	case KindUnhealthy:
		b.WriteString("⚠️ <b>SERVER UNHEALTHY</b>\n\n")
		fmt.Fprintf(&b, "<b>Server:</b> %s\n", name)
		fmt.Fprintf(&b, "<b>Port:</b> %d\n", c.Current.Port)
		fmt.Fprintf(&b, "<b>Health:</b> %d/100 (%s)\n", c.Current.HealthScore, c.Current.HealthTier)
		if r := c.Current.Resources; r != nil {
			fmt.Fprintf(&b, "<b>CPU:</b> %.1f%%  <b>Memory:</b> %.1f%%\n", r.CPUPercent, r.MemoryPercent)
		}
		fmt.Fprintf(&b, "\n<b>Time:</b> %s\n\n", opts.stamp(at))
		b.WriteString("ℹ️ The server is online but may be having problems.")
	case KindRecovered:
		b.WriteString("✅ <b>SERVER RECOVERED</b>\n\n")
		fmt.Fprintf(&b, "<b>Server:</b> %s\n", name)
		fmt.Fprintf(&b, "<b>Port:</b> %d\n", c.Current.Port)
		b.WriteString("<b>Status:</b> Online\n")
		fmt.Fprintf(&b, "\n<b>Time:</b> %s\n\n", opts.stamp(at))
		b.WriteString("🎉 The server is operational again.")
	default:
		fmt.Fprintf(&b, "<b>%s</b> %s:%d", html.EscapeString(string(c.Kind)), name, c.Current.Port)
	}

	opts.footer(&b)
	return b.String()
}

// RenderTest formats the configuration test message.
func RenderTest(cooldown time.Duration, at time.Time, opts MessageOptions) string {
	var b strings.Builder
	b.WriteString("🧪 <b>ALERT TEST</b>\n\n")
	b.WriteString("✅ Notification channel is configured correctly.\n\n")
	b.WriteString("<b>System:</b> Game Server Monitor\n")
	fmt.Fprintf(&b, "<b>Cooldown:</b> %d minutes\n", int(cooldown.Minutes()))
	fmt.Fprintf(&b, "<b>Time:</b> %s", opts.stamp(at))
	opts.footer(&b)
	return b.String()
}
