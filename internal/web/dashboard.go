package web

import "net/http"

// HandleDashboard serves a single page that follows /ws.
func HandleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>steadyscope</title>
    <style>
        :root { --bg: #0f172a; --card: #1e293b; --text: #f8fafc; --muted: #cbd5e1; --accent: #3b82f6; --ok: #10b981; --err: #ef4444; }
        body { font-family: sans-serif; background: var(--bg); color: var(--text); margin: 0; }
        header { padding: 1rem 2rem; background: var(--card); color: var(--accent); font-weight: bold; }
        main { display: grid; grid-template-columns: repeat(auto-fit, minmax(320px, 1fr)); gap: 1rem; padding: 2rem; }
        .card { background: var(--card); border-radius: 8px; padding: 1rem; }
        .job { margin: 0.5rem 0; }
        .bar { height: 6px; background: #334155; border-radius: 3px; overflow: hidden; }
        .fill { height: 100%; background: var(--accent); }
        .failed { color: var(--err); } .completed { color: var(--ok); }
        #status { color: var(--muted); font-size: 0.8rem; }
    </style>
</head>
<body>
<header>steadyscope <span id="status">connecting</span></header>
<main>
    <div class="card"><h3>Running</h3><div id="running"></div></div>
    <div class="card"><h3>Finished</h3><div id="finished"></div></div>
    <div class="card"><h3>Queue</h3><pre id="stats">--</pre></div>
</main>
<script>
const running = {};
function render() {
    const el = document.getElementById('running');
    el.innerHTML = '';
    Object.values(running).forEach(p => {
        const pct = p.total > 0 ? (100 * p.done / p.total).toFixed(0) : 0;
        const div = document.createElement('div');
        div.className = 'job';
        div.innerHTML = '<div>' + p.job_id + ' ' + p.stage + ' ' + p.done + '/' + p.total + '</div>' +
            '<div class="bar"><div class="fill" style="width:' + pct + '%"></div></div>';
        el.appendChild(div);
    });
}
function connect() {
    const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
    const ws = new WebSocket(proto + '//' + location.host + '/ws');
    ws.onopen = () => { document.getElementById('status').textContent = 'connected'; };
    ws.onclose = () => { document.getElementById('status').textContent = 'disconnected'; setTimeout(connect, 3000); };
    ws.onmessage = (event) => {
        const msg = JSON.parse(event.data);
        if (msg.type === 'progress') {
            running[msg.data.job_id] = msg.data;
            render();
        } else if (msg.type === 'result') {
            delete running[msg.data.job_id];
            render();
            const div = document.createElement('div');
            div.className = 'job ' + msg.data.status;
            div.textContent = msg.data.job_id + ' ' + msg.data.type + ' ' + msg.data.status + (msg.data.error ? ': ' + msg.data.error : '');
            document.getElementById('finished').prepend(div);
        } else if (msg.type === 'stats') {
            document.getElementById('stats').textContent = JSON.stringify(msg.data, null, 2);
        }
    };
}
connect();
</script>
</body>
</html>`
