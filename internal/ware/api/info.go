package api

import (
	"net"
	"time"

	"github.com/crofthost/croft/internal/pipeline"
)

// info serves the ! prefix: client address and server time, plus the
// process counters for server-authorized callers. The iot recipe is a
// compact form for constrained clients.
func (w *Ware) info(c *pipeline.Context, name string, opts []string) error {
	if c.Method != "get" && c.Method != "head" {
		return pipeline.MethodNotAllowed("")
	}

	now := time.Now()
	if name == "iot" {
		c.Payload = map[string]any{
			"ip":   c.Remote.IP,
			"time": now.Unix(),
			"iso":  now.UTC().Format(time.RFC3339),
		}
		return nil
	}

	payload := map[string]any{
		"ip":   ipInfo(c.Remote),
		"date": dateInfo(now),
	}
	if c.Authorize("server") {
		payload["statistics"] = w.scope.Stats.Statistics()
		payload["analytics"] = w.scope.Stats.Analytics()
		payload["blacklist"] = w.scope.Stats.Blacklisted()
		payload["logins"] = w.scope.Stats.Logins()
	}
	c.Payload = payload
	return nil
}

func ipInfo(remote pipeline.Remote) map[string]any {
	out := map[string]any{"raw": remote.IP, "port": remote.Port}
	if ip := net.ParseIP(remote.IP); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			out["v4"] = v4.String()
		} else {
			out["v6"] = ip.String()
		}
	}
	return out
}

func dateInfo(now time.Time) map[string]any {
	zone, offset := now.Zone()
	return map[string]any{
		"unix":   now.Unix(),
		"iso":    now.UTC().Format(time.RFC3339),
		"local":  now.Format("2006-01-02 15:04:05"),
		"zone":   zone,
		"offset": offset / 60,
	}
}
