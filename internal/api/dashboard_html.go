package api

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>evloopd</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root{
  --bg:#0f1117;--bg-card:#161b22;--border:#30363d;--text:#e1e4e8;--text-muted:#8b949e;
  --primary:#58a6ff;--green:#3fb950;--red:#f85149;--radius:8px;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
a{color:var(--primary);text-decoration:none}
.container{max-width:1100px;margin:0 auto;padding:24px}
header{display:flex;align-items:center;gap:16px;margin-bottom:24px}
h1{font-size:20px;font-weight:700}
.badge{display:inline-flex;align-items:center;gap:4px;padding:2px 10px;border-radius:12px;font-size:12px;font-weight:600;border:1px solid var(--border)}
.badge-healthy{color:var(--green);border-color:var(--green)}
.badge-unhealthy{color:var(--red);border-color:var(--red)}
.dot{width:8px;height:8px;border-radius:50%;display:inline-block}
.dot-green{background:var(--green)}.dot-red{background:var(--red)}
.summary{display:grid;grid-template-columns:repeat(4,1fr);gap:16px;margin-bottom:24px}
.card{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);padding:16px}
.card-label{font-size:12px;text-transform:uppercase;letter-spacing:.5px;color:var(--text-muted);margin-bottom:4px}
.card-value{font-size:28px;font-weight:700}
table{width:100%;border-collapse:collapse;background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);overflow:hidden}
th,td{text-align:left;padding:10px 14px;border-bottom:1px solid var(--border);font-size:13px}
th{color:var(--text-muted);font-weight:600;text-transform:uppercase;font-size:11px}
tr:last-child td{border-bottom:none}
button{cursor:pointer;font-family:inherit;font-size:12px;background:var(--bg);color:var(--text);border:1px solid var(--border);border-radius:4px;padding:4px 10px}
button:hover{border-color:var(--primary)}
.muted{color:var(--text-muted)}
</style>
</head>
<body>
<div class="container">
<header>
  <h1>evloopd</h1>
  <span id="overall-badge" class="badge">...</span>
</header>

<div class="summary">
  <div class="card"><div class="card-label">Uptime</div><div class="card-value" id="uptime">-</div></div>
  <div class="card"><div class="card-label">Targets</div><div class="card-value" id="num-targets">-</div></div>
  <div class="card"><div class="card-label">Goroutines</div><div class="card-value" id="goroutines">-</div></div>
  <div class="card"><div class="card-label">Memory (MB)</div><div class="card-value" id="memory">-</div></div>
</div>

<table>
<thead><tr>
  <th>Target</th><th>Health</th><th>Active</th><th>Idle</th><th>Waiting</th><th>Total</th><th></th>
</tr></thead>
<tbody id="targets-body"><tr><td colspan="7" class="muted">Loading...</td></tr></tbody>
</table>

</div>
<script>
async function fetchJSON(path) {
  const r = await fetch(path);
  if (!r.ok) throw new Error(path + ': ' + r.status);
  return r.json();
}

function dot(healthy) {
  return '<span class="dot dot-' + (healthy ? 'green' : 'red') + '"></span>';
}

async function drain(name) {
  if (!confirm('Drain pool "' + name + '"? This closes all its connections.')) return;
  await fetch('/pools/' + encodeURIComponent(name) + '/drain', { method: 'POST' });
  refresh();
}

async function refresh() {
  try {
    const status = await fetchJSON('/status');
    document.getElementById('uptime').textContent = status.uptime_seconds + 's';
    document.getElementById('num-targets').textContent = status.num_targets;
    document.getElementById('goroutines').textContent = status.goroutines;
    document.getElementById('memory').textContent = status.memory_mb.toFixed(1);

    const health = await fetchJSON('/health');
    const badge = document.getElementById('overall-badge');
    badge.textContent = health.status;
    badge.className = 'badge ' + (health.status === 'healthy' ? 'badge-healthy' : 'badge-unhealthy');

    const cfg = await fetchJSON('/config');
    const names = Object.keys(cfg.targets || {});
    const rows = await Promise.all(names.map(async name => {
      const stats = await fetchJSON('/pools/' + encodeURIComponent(name) + '/stats').catch(() => ({}));
      const h = (health.targets || {})[name] || { healthy: true };
      return '<tr><td>' + name + '</td><td>' + dot(h.healthy) + '</td>' +
        '<td>' + (stats.Active ?? '-') + '</td><td>' + (stats.Idle ?? '-') + '</td>' +
        '<td>' + (stats.Waiting ?? '-') + '</td><td>' + (stats.Total ?? '-') + '</td>' +
        '<td><button onclick="drain(\'' + name + '\')">Drain</button></td></tr>';
    }));
    document.getElementById('targets-body').innerHTML = rows.join('') || '<tr><td colspan="7" class="muted">No targets configured</td></tr>';
  } catch (e) {
    console.error(e);
  }
}

refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>`
