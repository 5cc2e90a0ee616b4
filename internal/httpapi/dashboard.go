package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>CRMBridge Sync Monitor</title>
  <style>
    :root {
      --ink: #1a2330;
      --paper: #f6f7f9;
      --card: #ffffff;
      --line: #d9dee6;
      --accent: #2b6cb0;
      --ok: #2f855a;
      --bad: #c53030;
      --muted: #71808f;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Segoe UI", "Helvetica Neue", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 20px;
    }

    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }

    .bar {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 10px;
      padding: 16px;
    }

    h1 { margin: 0; font-size: 1.4rem; }
    .sub { margin-top: 4px; color: var(--muted); font-size: 0.9rem; }

    .cards { display: grid; gap: 12px; grid-template-columns: repeat(4, 1fr); }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 10px;
      padding: 14px;
    }
    .card .label { color: var(--muted); font-size: 0.8rem; text-transform: uppercase; }
    .card .value { font-size: 1.6rem; font-weight: 600; margin-top: 4px; }

    table { width: 100%; border-collapse: collapse; font-size: 0.88rem; }
    th, td { text-align: left; padding: 7px 9px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-weight: 600; }

    .status-SUCCESS { color: var(--ok); font-weight: 600; }
    .status-FAILED { color: var(--bad); font-weight: 600; }
    .status-PENDING { color: var(--accent); font-weight: 600; }

    #feed { max-height: 220px; overflow-y: auto; font-family: monospace; font-size: 0.8rem; }
    #feed div { padding: 2px 0; border-bottom: 1px dotted var(--line); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>CRMBridge Sync Monitor</h1>
      <div class="sub">Local datastore &harr; external CRM, both directions.</div>
    </div>

    <div class="cards">
      <div class="card"><div class="label">Contacts</div><div class="value" id="contact-count">&ndash;</div></div>
      <div class="card"><div class="label">Companies</div><div class="value" id="company-count">&ndash;</div></div>
      <div class="card"><div class="label">Failed syncs</div><div class="value" id="failed-count">&ndash;</div></div>
      <div class="card"><div class="label">Open conflicts</div><div class="value" id="conflict-count">&ndash;</div></div>
    </div>

    <div class="bar">
      <h1>Recent sync activity</h1>
      <table>
        <thead><tr><th>Action</th><th>Entity</th><th>Status</th><th>Error</th><th>Started</th></tr></thead>
        <tbody id="log-rows"></tbody>
      </table>
    </div>

    <div class="bar">
      <h1>Live events</h1>
      <div id="feed"></div>
    </div>
  </div>

  <script>
    function text(id, value) { document.getElementById(id).textContent = value; }

    async function refresh() {
      try {
        const [contacts, companies, logs, conflicts] = await Promise.all([
          fetch('/api/contacts').then(r => r.json()),
          fetch('/api/companies').then(r => r.json()),
          fetch('/api/sync/logs?limit=20').then(r => r.json()),
          fetch('/api/conflicts').then(r => r.json()),
        ]);
        text('contact-count', contacts.length);
        text('company-count', companies.length);
        text('failed-count', logs.filter(l => l.status === 'FAILED').length);
        text('conflict-count', conflicts.length);

        const rows = document.getElementById('log-rows');
        rows.innerHTML = '';
        for (const entry of logs) {
          const tr = document.createElement('tr');
          tr.innerHTML =
            '<td>' + entry.action + '</td>' +
            '<td>' + (entry.entityKind || '') + ' ' + (entry.entityId || entry.externalId || '') + '</td>' +
            '<td class="status-' + entry.status + '">' + entry.status + '</td>' +
            '<td>' + (entry.errorMessage || '') + '</td>' +
            '<td>' + new Date(entry.startedAt).toLocaleTimeString() + '</td>';
          rows.appendChild(tr);
        }
      } catch (err) {
        // Leave the last good view in place.
      }
    }

    function listen() {
      const scheme = location.protocol === 'https:' ? 'wss' : 'ws';
      const socket = new WebSocket(scheme + '://' + location.host + '/api/events');
      const feed = document.getElementById('feed');
      socket.onmessage = (msg) => {
        const event = JSON.parse(msg.data);
        const line = document.createElement('div');
        line.textContent = event.timestamp + ' ' + event.type +
          (event.entityKind ? ' ' + event.entityKind : '') +
          (event.error ? ' :: ' + event.error : '');
        feed.prepend(line);
        while (feed.childElementCount > 50) feed.removeChild(feed.lastChild);
        refresh();
      };
      socket.onclose = () => setTimeout(listen, 3000);
    }

    refresh();
    setInterval(refresh, 10000);
    listen();
  </script>
</body>
</html>
`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, dashboardHTML)
}
