package dashboard

import "net/http"

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Loadout</title>
<style>
  :root {
    --bg: #f6f7f9; --surface: #ffffff; --surface-hover: #f0f3f7; --border: #d9dee5;
    --text: #1d2430; --text-dim: #68717e; --accent: #2f6fdd;
    --green: #1f8a4c; --yellow: #b7791f; --red: #c53030; --purple: #7c4dcc;
  }
  * { box-sizing: border-box; margin: 0; padding: 0; }
  body { font: 13px/1.45 system-ui, sans-serif; background: var(--bg); color: var(--text); padding: 18px 22px; }
  header { display: flex; flex-wrap: wrap; gap: 12px; align-items: flex-end; justify-content: space-between; margin-bottom: 18px; }
  header h1 { font-size: 19px; font-weight: 650; }
  header h1 span { color: var(--accent); }
  .scope-bar { color: var(--text-dim); font-size: 12px; }
  .scope-bar .name { color: var(--text); font-weight: 600; }
  .settings { display: flex; flex-wrap: wrap; gap: 8px; align-items: center; font-size: 12px; }
  .settings select { margin-left: 4px; padding: 2px 4px; border: 1px solid var(--border); border-radius: 4px; background: var(--surface); }
  .meta { color: var(--text-dim); }
  .live { color: var(--green); }
  .btn { font: inherit; font-size: 12px; padding: 4px 10px; border-radius: 5px; border: 1px solid var(--border); cursor: pointer; background: var(--surface); color: var(--text); }
  .btn:disabled { opacity: .45; cursor: default; }
  .btn-primary { background: var(--accent); border-color: var(--accent); color: #fff; }
  .btn-warning { color: var(--yellow); border-color: var(--yellow); }
  .btn-danger { color: var(--red); border-color: var(--red); }
  .grid { display: grid; grid-template-columns: repeat(2, minmax(0, 1fr)); gap: 14px; }
  @media (max-width: 860px) { .grid { grid-template-columns: minmax(0, 1fr); } }
  .full-width { grid-column: 1 / -1; }
  .card { background: var(--surface); border: 1px solid var(--border); border-radius: 6px; }
  .card-header { display: flex; gap: 6px; align-items: center; padding: 9px 12px; font-weight: 600; border-bottom: 1px solid var(--border); }
  .card-header .count { margin-left: auto; font-size: 11px; color: var(--text-dim); }
  table { width: 100%; border-collapse: collapse; }
  th { text-align: left; font-size: 11px; color: var(--text-dim); font-weight: 500; padding: 6px 12px; }
  td { padding: 6px 12px; border-top: 1px solid var(--border); }
  tr:hover td { background: var(--surface-hover); }
  .badge { display: inline-block; font-size: 11px; padding: 0 7px; border-radius: 9px; border: 1px solid currentColor; }
  .badge.idle, .badge.off { color: var(--text-dim); }
  .badge.done, .badge.on { color: var(--green); }
  .badge.failed { color: var(--red); }
  .badge.running, .badge.disabling, .badge.enabling, .badge.settling { color: var(--yellow); }
  .badge.default { color: var(--accent); }
  .badge.always { color: var(--purple); }
  .progress-bar { height: 5px; background: var(--border); border-radius: 3px; }
  .progress-bar .fill { height: 100%; background: var(--accent); border-radius: 3px; transition: width .25s; }
  .empty { padding: 14px 12px; color: var(--text-dim); font-style: italic; }
  .preview { padding: 8px 12px; font-size: 12px; color: var(--text-dim); }
  .preview b { color: var(--text); }
  .msg-list { max-height: 260px; overflow-y: auto; }
  .msg { padding: 7px 12px; border-top: 1px solid var(--border); }
  .msg.error .msg-body { color: var(--red); }
  .msg-header { display: flex; justify-content: space-between; font-size: 11px; color: var(--text-dim); }
  .msg-from { font-weight: 600; color: var(--text); }
  .modal-overlay { display: none; position: fixed; inset: 0; background: rgba(20, 24, 32, .35); align-items: center; justify-content: center; }
  .modal-overlay.open { display: flex; }
  .modal { width: min(420px, 92vw); background: var(--surface); border-radius: 8px; padding: 18px; display: grid; gap: 10px; }
  .modal h2 { font-size: 15px; }
  .modal p { color: var(--text-dim); font-size: 12px; }
  .modal-option { display: flex; font-size: 12px; }
  .modal input, .modal textarea { font: inherit; padding: 5px 7px; border: 1px solid var(--border); border-radius: 4px; }
  .modal-actions { display: flex; gap: 8px; justify-content: flex-end; }
</style>
</head>
<body>
<header>
  <div>
    <h1><span>&#9881;</span> Loadout</h1>
    <div class="scope-bar" id="scope-bar"></div>
  </div>
  <div class="settings">
    <label>Refresh:
      <select id="interval" onchange="setInterval_()">
        <option value="1000">1s</option>
        <option value="2000" selected>2s</option>
        <option value="5000">5s</option>
        <option value="0">Off</option>
      </select>
    </label>
    <label>Notify:
      <select id="mode" onchange="setMode()">
        <option value="none">none</option>
        <option value="toast">toast</option>
        <option value="chat">chat</option>
      </select>
    </label>
    <button class="btn btn-primary" onclick="showSaveModal()">New Preset</button>
    <button class="btn btn-secondary" onclick="applyPreset('alwayson')">Always-on Only</button>
    <button class="btn btn-warning" id="rollback-btn" onclick="rollback()">Rollback</button>
    <span class="meta">Updated: <span id="updated" class="live">-</span></span>
  </div>
</header>

<!-- Save preset modal -->
<div class="modal-overlay" id="save-modal">
  <div class="modal">
    <h2>Save Preset</h2>
    <p>Components are comma separated. Leave them empty to capture what is loaded right now.</p>
    <label class="modal-option" style="flex-direction:column;align-items:stretch;gap:4px">
      <span>Name:</span>
      <input type="text" id="save-name" placeholder="Raid">
    </label>
    <label class="modal-option" style="flex-direction:column;align-items:stretch;gap:4px">
      <span>Description:</span>
      <input type="text" id="save-desc">
    </label>
    <label class="modal-option" style="flex-direction:column;align-items:stretch;gap:4px">
      <span>Components:</span>
      <textarea id="save-components" rows="3"></textarea>
    </label>
    <div class="modal-actions">
      <button class="btn btn-secondary" onclick="hideSaveModal()">Cancel</button>
      <button class="btn btn-primary" id="save-confirm-btn" onclick="doSave()">Save</button>
    </div>
  </div>
</div>

<div class="grid">
  <div class="card full-width" id="apply-card">
    <div class="card-header">&#9889; Apply <span class="badge idle" id="apply-status" style="margin-left:auto">idle</span></div>
    <div class="card-body">
      <div class="preview" id="apply-body"></div>
      <div style="padding:0 14px 10px 14px"><div class="progress-bar"><div class="fill" id="apply-fill" style="width:0%"></div></div></div>
    </div>
  </div>

  <div class="card" id="presets-card">
    <div class="card-header">&#128203; Presets <span class="count" id="presets-count">0</span></div>
    <div class="card-body" id="presets"></div>
    <div class="preview" id="preview"></div>
  </div>

  <div class="card" id="components-card">
    <div class="card-header">&#129513; Components <span class="count" id="components-count">0</span></div>
    <div class="card-body" id="components"></div>
  </div>

  <div class="card full-width" id="notifications-card">
    <div class="card-header">&#128276; Notifications <span class="count" id="notifications-count">0</span></div>
    <div class="card-body msg-list" id="notifications"></div>
  </div>
</div>

<script>
let timer = null;
let refreshMs = 2000;
let lastState = null;

function setInterval_() {
  refreshMs = parseInt(document.getElementById('interval').value);
  if (timer) clearInterval(timer);
  if (refreshMs > 0) timer = setInterval(fetchState, refreshMs);
}

function renderScope(scope, clients) {
  const bar = document.getElementById('scope-bar');
  let label = 'global';
  if (scope.id) {
    const who = [scope.display_name, scope.realm_name].filter(Boolean).join('-');
    label = (who || 'scope') + ' (' + scope.id + ')';
  }
  bar.innerHTML = '<span class="name">' + esc(label) + '</span> · ' + clients + ' client(s)';
  document.getElementById('mode').value = scope.notification_mode || 'toast';
}

function renderApply(st) {
  const status = st.status || 'idle';
  const badge = document.getElementById('apply-status');
  badge.className = 'badge ' + (st.running ? 'running' : status);
  badge.textContent = status;
  document.getElementById('apply-fill').style.width = Math.round((st.progress || 0) * 100) + '%';
  let html = st.preset ? '<b>' + esc(st.preset) + '</b>' : 'Nothing applied yet';
  if (st.last_error) html += ' · <span style="color:var(--red)">' + esc(st.last_error) + '</span>';
  document.getElementById('apply-body').innerHTML = html;
  document.getElementById('rollback-btn').disabled = !!st.running;
}

function renderPresets(presets, running) {
  const el = document.getElementById('presets');
  document.getElementById('presets-count').textContent = presets.length;
  if (presets.length === 0) {
    el.innerHTML = '<div class="empty">No presets</div>';
    return;
  }
  let html = '<table><thead><tr><th>Name</th><th>Components</th><th>Modified</th><th></th></tr></thead><tbody>';
  presets.forEach(p => {
    const tags = (p.is_default ? ' <span class="badge default">default</span>' : '') +
      (p.last_applied ? ' <span class="badge done">applied</span>' : '');
    const name = escAttr(p.name);
    html += '<tr>' +
      '<td title="' + escAttr(p.description) + '">' + esc(p.name) + tags + '</td>' +
      '<td>' + p.components.length + '</td>' +
      '<td style="white-space:nowrap;color:var(--text-dim)">' + esc(p.modified) + '</td>' +
      '<td style="white-space:nowrap">' +
        '<button class="btn btn-secondary" onclick="previewPreset(&quot;' + name + '&quot;)">Preview</button> ' +
        '<button class="btn btn-primary"' + (running ? ' disabled' : '') + ' onclick="applyPreset(&quot;' + name + '&quot;)">Apply</button> ' +
        '<button class="btn btn-secondary" onclick="setDefault(&quot;' + name + '&quot;)">Default</button> ' +
        '<button class="btn btn-danger" onclick="deletePreset(&quot;' + name + '&quot;)">&#10005;</button>' +
      '</td>' +
    '</tr>';
  });
  html += '</tbody></table>';
  el.innerHTML = html;
}

function renderComponents(comps, err) {
  const el = document.getElementById('components');
  document.getElementById('components-count').textContent = comps.length;
  if (err) {
    el.innerHTML = '<div class="empty" style="color:var(--red)">' + esc(err) + '</div>';
    return;
  }
  if (comps.length === 0) {
    el.innerHTML = '<div class="empty">No components installed</div>';
    return;
  }
  let html = '<table><thead><tr><th>Component</th><th>State</th><th></th></tr></thead><tbody>';
  comps.forEach(c => {
    const tags = (c.always_on ? ' <span class="badge always">always on</span>' : '') +
      (c.is_dev ? ' <span class="badge off">dev</span>' : '') +
      (c.is_third_party ? ' <span class="badge off">3rd party</span>' : '');
    const id = escAttr(c.id);
    const toggle = c.always_on
      ? '<button class="btn btn-secondary" onclick="alwaysOn(&quot;' + id + '&quot;, false)">Unpin</button>'
      : '<button class="btn btn-secondary" onclick="alwaysOn(&quot;' + id + '&quot;, true)">Pin</button>';
    html += '<tr>' +
      '<td title="' + id + '">' + esc(c.display_name || c.id) + tags + '</td>' +
      '<td><span class="badge ' + (c.loaded ? 'on' : 'off') + '">' + (c.loaded ? 'on' : 'off') + '</span></td>' +
      '<td>' + toggle + '</td>' +
    '</tr>';
  });
  html += '</tbody></table>';
  el.innerHTML = html;
}

function renderNotifications(list) {
  const el = document.getElementById('notifications');
  list = list || [];
  document.getElementById('notifications-count').textContent = list.length;
  if (list.length === 0) {
    el.innerHTML = '<div class="empty">No notifications</div>';
    return;
  }
  el.innerHTML = list.slice().reverse().map(n => {
    return '<div class="msg' + (n.level === 'error' ? ' error' : '') + '">' +
      '<div class="msg-header">' +
        '<span class="msg-from">' + esc(n.preset || '') + '</span>' +
        '<span class="msg-time">' + esc(new Date(n.at).toLocaleTimeString()) + '</span>' +
      '</div>' +
      '<div class="msg-body">' + esc(n.message) + '</div>' +
    '</div>';
  }).join('');
}

function esc(s) {
  if (!s) return '';
  const d = document.createElement('div');
  d.textContent = s;
  return d.innerHTML;
}

function escAttr(s) {
  if (!s) return '';
  return s.replace(/&/g,'&amp;').replace(/"/g,'&quot;').replace(/</g,'&lt;').replace(/>/g,'&gt;');
}

async function fetchState() {
  try {
    const resp = await fetch('/api/state');
    if (!resp.ok) return;
    const data = await resp.json();
    lastState = data;

    document.getElementById('updated').textContent = new Date().toLocaleTimeString();
    renderScope(data.scope, data.clients);
    renderApply(data.apply);
    renderPresets(data.presets, data.apply.running);
    renderComponents(data.components, data.components_error);
    renderNotifications(data.notifications);
  } catch (e) {
    document.getElementById('updated').textContent = 'error';
    document.getElementById('updated').style.color = 'var(--red)';
    setTimeout(() => { document.getElementById('updated').style.color = ''; }, 2000);
  }
}

async function post(url, body, method) {
  const resp = await fetch(url, {
    method: method || 'POST',
    headers: { 'Content-Type': 'application/json' },
    body: body ? JSON.stringify(body) : undefined,
  });
  const data = await resp.json();
  if (!resp.ok) throw new Error(data.error || resp.statusText);
  return data;
}

async function previewPreset(name) {
  const el = document.getElementById('preview');
  try {
    const resp = await fetch('/api/preview?preset=' + encodeURIComponent(name));
    const pv = await resp.json();
    if (!resp.ok) throw new Error(pv.error || resp.statusText);
    const line = (label, ids) => ids && ids.length ? '<div><b>' + label + ' (' + ids.length + '):</b> ' + esc(ids.join(', ')) + '</div>' : '';
    el.innerHTML = '<div><b>' + esc(name) + '</b></div>' +
      (line('Enable', pv.to_enable) + line('Disable', pv.to_disable) + line('Not installed', pv.missing) || '<div>Nothing to change</div>');
  } catch (e) {
    el.innerHTML = '<span style="color:var(--red)">' + esc(e.message) + '</span>';
  }
}

async function applyPreset(name) {
  try {
    await post('/api/apply', { preset: name, wait: false });
    fetchState();
  } catch (e) {
    alert('Apply failed: ' + e.message);
  }
}

async function rollback() {
  try {
    await post('/api/rollback');
    fetchState();
  } catch (e) {
    alert('Rollback failed: ' + e.message);
  }
}

async function setDefault(name) {
  const current = lastState && lastState.scope.default_preset;
  try {
    await post('/api/settings', { default_preset: current === name ? '' : name });
    fetchState();
  } catch (e) {
    alert('Update failed: ' + e.message);
  }
}

async function setMode() {
  try {
    await post('/api/settings', { notification_mode: document.getElementById('mode').value });
  } catch (e) {
    alert('Update failed: ' + e.message);
  }
}

async function alwaysOn(id, pin) {
  try {
    if (pin) await post('/api/always-on', { add: id });
    else await post('/api/always-on?component=' + encodeURIComponent(id), null, 'DELETE');
    fetchState();
  } catch (e) {
    alert('Update failed: ' + e.message);
  }
}

async function deletePreset(name) {
  if (!confirm('Delete preset ' + name + '?')) return;
  try {
    await post('/api/presets?name=' + encodeURIComponent(name), null, 'DELETE');
    fetchState();
  } catch (e) {
    alert('Delete failed: ' + e.message);
  }
}

function showSaveModal() {
  document.getElementById('save-modal').classList.add('open');
  document.getElementById('save-name').focus();
}
function hideSaveModal() {
  document.getElementById('save-modal').classList.remove('open');
}
async function doSave() {
  const btn = document.getElementById('save-confirm-btn');
  const name = document.getElementById('save-name').value.trim();
  if (!name) { alert('Please enter a preset name'); return; }
  let components = document.getElementById('save-components').value.split(',').map(s => s.trim()).filter(Boolean);
  if (components.length === 0 && lastState) {
    components = lastState.components.filter(c => c.loaded && !c.always_on).map(c => c.id);
  }
  btn.disabled = true;
  try {
    await post('/api/presets', { name: name, description: document.getElementById('save-desc').value, components: components });
    hideSaveModal();
    fetchState();
  } catch (e) {
    alert('Save failed: ' + e.message);
  } finally {
    btn.disabled = false;
  }
}
document.getElementById('save-modal').addEventListener('click', function(e) {
  if (e.target === this) hideSaveModal();
});

fetchState();
timer = setInterval(fetchState, refreshMs);
</script>
</body>
</html>`
