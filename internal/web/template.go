package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/valve-meter/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateClass": func(s string) string {
		switch s {
		case "ON":
			return "on"
		case "OFF":
			return "off"
		}
		return "unknown"
	},
	"liters": func(v float64) string {
		return fmt.Sprintf("%.1f L", v)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Valve Meter</title>
<style>
body { font-family: monospace; max-width: 720px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Valve Meter<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

{{range .Valves}}
<h2>{{.Name}}</h2>
<table data-valve="{{.ID}}">
<tr><th>State</th><td data-field="state" class="{{stateClass .State}}">{{.State}}</td></tr>
<tr><th>Flow</th><td data-field="flow">{{printf "%.2f" .FlowLPM}} L/min</td></tr>
<tr><th>Session</th><td data-field="session">{{with .Session}}{{.Trigger}}, {{liters .Liters}} in {{.ElapsedSeconds}}s{{else}}idle{{end}}</td></tr>
<tr><th>Last 24h</th><td data-field="day">{{liters .Last24h.Liters}}</td></tr>
<tr><th>Last 7 days</th><td data-field="week">{{liters .Last7d.Liters}}</td></tr>
<tr><th>Since reset</th><td data-field="resettable">{{liters .Totals.ResettableLiters}}</td></tr>
<tr><th>Lifetime</th><td data-field="lifetime">{{liters .Totals.LifetimeLiters}} ({{.Totals.LifetimeSessions}} runs)</td></tr>
{{if .Battery}}<tr><th>Battery</th><td>{{.Battery}}%</td></tr>{{end}}
<tr><th>Driver</th><td>{{.Driver}}{{if .Topic}} ({{.Topic}}){{end}}</td></tr>
</table>
{{else}}
<p>No valves configured.</p>
{{end}}

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Store</th><td class="{{if .StoreDegraded}}disconnected{{else}}connected{{end}}">{{if .StoreDegraded}}degraded (memory only){{else}}ok{{end}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Ready</th><td>{{if .Ready}}yes{{else}}no{{end}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>Database</th><td>{{.Config.DBPath}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/api/sessions">Sessions</a> · <a href="/metrics">Metrics</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function liters(v) { return v.toFixed(1) + " L"; }

  function render(v) {
    var table = document.querySelector('table[data-valve="' + v.id + '"]');
    if (!table) { return; }
    function set(field, text, cls) {
      var el = table.querySelector('[data-field="' + field + '"]');
      if (!el) { return; }
      el.textContent = text;
      if (cls !== undefined) { el.className = cls; }
    }
    set("state", v.state, v.state === "ON" ? "on" : v.state === "OFF" ? "off" : "unknown");
    set("flow", v.flow_lpm.toFixed(2) + " L/min");
    set("session", v.session ? v.session.trigger + ", " + liters(v.session.liters) + " in " + v.session.elapsed_seconds + "s" : "idle");
    set("day", liters(v.last_24h.liters));
    set("week", liters(v.last_7d.liters));
    set("resettable", liters(v.totals.resettable_liters));
    set("lifetime", liters(v.totals.lifetime_liters) + " (" + v.totals.lifetime_sessions + " runs)");
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(ev) {
      try {
        var msg = JSON.parse(ev.data);
        if (msg.type === "snapshot") { msg.valves.forEach(render); }
        else if (msg.type === "valve") { render(msg.valve); }
        else if (msg.type === "removed") { location.reload(); }
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

// pageData flattens a snapshot for the template.
type pageData struct {
	status.Snapshot
	Valves []status.ValveJSON
	Uptime time.Duration
}

func renderHTML(w io.Writer, snap status.Snapshot) error {
	data := pageData{
		Snapshot: snap,
		Valves:   make([]status.ValveJSON, 0, len(snap.Valves)),
		Uptime:   snap.Uptime(),
	}
	for _, v := range snap.Valves {
		data.Valves = append(data.Valves, status.Valve(v))
	}
	return indexTmpl.Execute(w, data)
}
