package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Critter Watch</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; font-family: system-ui, sans-serif; background: #111827; color: #e5e7eb; }
        .app { max-width: 1200px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 12px; }
        .title { font-size: 22px; font-weight: 600; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: #1f2937; border-radius: 8px; padding: 14px; }
        .panel h2 { margin: 0 0 10px; font-size: 16px; }
        .controls { display: flex; gap: 8px; margin-top: 10px; }
        button { background: #2563eb; color: #fff; border: 0; border-radius: 6px; padding: 8px 14px; cursor: pointer; }
        button.secondary { background: #374151; }
        button.active { background: #16a34a; }
        .stat-grid { display: grid; grid-template-columns: 1fr 1fr; gap: 8px; }
        .stat { background: #111827; border-radius: 6px; padding: 10px; }
        .stat-label { display: block; font-size: 12px; color: #9ca3af; }
        .stat-value { font-size: 22px; font-weight: 600; }
        .detection-item { display: flex; justify-content: space-between; padding: 4px 0; border-bottom: 1px solid #374151; font-size: 14px; }
        .badge { padding: 3px 8px; border-radius: 10px; font-size: 12px; background: #374151; }
        .badge.recording { background: #dc2626; }
        #toast { position: fixed; bottom: 20px; right: 20px; background: #16a34a; padding: 10px 16px; border-radius: 6px; display: none; }
        .classes { display: grid; grid-template-columns: 1fr 1fr; gap: 4px; font-size: 14px; }
        img, canvas { width: 100%; height: auto; background: #000; display: block; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">Critter Watch</div>
            <span class="badge" id="recordingStatus">Idle</span>
        </div>

        <div class="grid">
            <div class="panel">
                <div style="display:flex;justify-content:space-between;align-items:center;">
                    <h2>Live Feed</h2>
                    <div class="controls" style="margin-top:0;">
                        <button type="button" id="btn-mjpeg" class="active">MJPEG</button>
                        <button type="button" id="btn-webrtc" class="secondary">WebRTC</button>
                    </div>
                </div>
                <img id="stream" src="/video_feed" alt="Live detection stream">
                <canvas id="webrtc-canvas" style="display:none;"></canvas>
                <div class="controls">
                    <button type="button" id="captureBtn">Capture Screenshot</button>
                    <button type="button" id="recordBtn">Start Recording</button>
                </div>
            </div>

            <div class="panel">
                <h2>Statistics</h2>
                <div class="stat-grid">
                    <div class="stat">
                        <span class="stat-label">Total Detections</span>
                        <span class="stat-value" id="totalDetections">0</span>
                    </div>
                    <div class="stat">
                        <span class="stat-label">Avg Confidence</span>
                        <span class="stat-value" id="avgConfidence">0%</span>
                    </div>
                </div>
                <h2 style="margin-top:14px;">Class Counts</h2>
                <div id="classCounts"></div>
                <h2 style="margin-top:14px;">Recent Detections</h2>
                <div id="detectionHistory"></div>

                <h2 style="margin-top:14px;">Settings</h2>
                <form id="settingsForm">
                    <label>Confidence threshold: <span id="confidenceValue">30%</span></label>
                    <input type="range" id="confidenceThreshold" min="0" max="100" value="30" style="width:100%;">
                    <div class="classes" id="targetClassesContainer"></div>
                    <div class="controls"><button type="submit">Save Settings</button></div>
                </form>
            </div>
        </div>
    </div>
    <div id="toast"></div>

    <script>
    const toast = document.getElementById('toast');
    const recordBtn = document.getElementById('recordBtn');
    const recordingStatus = document.getElementById('recordingStatus');
    const confidenceThreshold = document.getElementById('confidenceThreshold');
    const confidenceValue = document.getElementById('confidenceValue');

    function showToast(message, isError) {
        toast.textContent = message;
        toast.style.background = isError ? '#dc2626' : '#16a34a';
        toast.style.display = 'block';
        setTimeout(() => { toast.style.display = 'none'; }, 3000);
    }

    function escapeHTML(s) {
        return String(s).replace(/[&<>"']/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;',"'":'&#39;'}[c]));
    }

    function setRecording(on) {
        recordBtn.textContent = on ? 'Stop Recording' : 'Start Recording';
        recordingStatus.textContent = on ? 'Recording' : 'Idle';
        recordingStatus.classList.toggle('recording', on);
    }

    function renderStats(data) {
        document.getElementById('totalDetections').textContent = data.total_detections;
        document.getElementById('avgConfidence').textContent = data.avg_confidence + '%';
        document.getElementById('detectionHistory').innerHTML = data.detection_history.map(d =>
            '<div class="detection-item"><span>' + escapeHTML(d.class) + ' <small>' + d.timestamp + '</small></span>' +
            '<span>' + (d.confidence * 100).toFixed(1) + '%</span></div>').join('');
        document.getElementById('classCounts').innerHTML = Object.entries(data.class_counts)
            .filter(([, n]) => n > 0)
            .map(([c, n]) => '<div class="detection-item"><span>' + escapeHTML(c) + '</span><span>' + n + '</span></div>').join('');
        setRecording(data.is_recording);
    }

    let pollTimer = null;
    function pollStats() {
        fetch('/get_stats').then(r => r.json()).then(renderStats).catch(() => {});
    }

    function connectStats() {
        const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
        const ws = new WebSocket(proto + '//' + location.host + '/ws/stats');
        ws.onmessage = ev => renderStats(JSON.parse(ev.data));
        ws.onopen = () => { if (pollTimer) { clearInterval(pollTimer); pollTimer = null; } };
        ws.onclose = () => {
            if (!pollTimer) pollTimer = setInterval(pollStats, 1000);
            setTimeout(connectStats, 5000);
        };
    }

    document.getElementById('captureBtn').addEventListener('click', () => {
        fetch('/capture_screenshot', { method: 'POST' })
            .then(r => r.json())
            .then(data => {
                if (data.success) showToast('Screenshot saved: ' + data.filename);
                else showToast(data.error, true);
            });
    });

    recordBtn.addEventListener('click', () => {
        fetch('/toggle_recording', { method: 'POST' })
            .then(r => r.json())
            .then(data => {
                if (!data.success) { showToast(data.error, true); return; }
                setRecording(data.action === 'started');
                showToast('Recording ' + data.action + '!');
            });
    });

    confidenceThreshold.addEventListener('input', e => {
        confidenceValue.textContent = e.target.value + '%';
    });

    function renderSettings(settings) {
        const pct = Math.round(settings.confidence_threshold * 100);
        confidenceThreshold.value = pct;
        confidenceValue.textContent = pct + '%';
        const known = ["garbage", "bird", "cat", "dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe"];
        const all = Array.from(new Set(known.concat(settings.target_classes)));
        document.getElementById('targetClassesContainer').innerHTML = all.map(c =>
            '<label><input type="checkbox" name="targetClass" value="' + escapeHTML(c) + '"' +
            (settings.target_classes.includes(c) ? ' checked' : '') + '> ' + escapeHTML(c) + '</label>').join('');
    }

    document.getElementById('settingsForm').addEventListener('submit', e => {
        e.preventDefault();
        const settings = {
            confidence_threshold: confidenceThreshold.value / 100,
            target_classes: Array.from(document.querySelectorAll('[name="targetClass"]:checked')).map(cb => cb.value)
        };
        fetch('/update_settings', {
            method: 'POST',
            headers: { 'Content-Type': 'application/json' },
            body: JSON.stringify(settings)
        })
        .then(r => r.json())
        .then(data => {
            if (data.success) showToast('Settings updated successfully!');
            else showToast(data.error, true);
            if (data.current_settings) renderSettings(data.current_settings);
        });
    });

    // WebRTC: frames arrive as chunked JPEGs on the "frames" data channel.
    // Header: seq (u32), index (u16), count (u16), big endian.
    let pc = null;
    function startWebRTC() {
        const canvas = document.getElementById('webrtc-canvas');
        const ctx = canvas.getContext('2d');
        pc = new RTCPeerConnection({ iceServers: [{ urls: 'stun:stun.l.google.com:19302' }] });
        const dc = pc.createDataChannel('frames', { ordered: true });
        dc.binaryType = 'arraybuffer';
        let parts = [], seq = -1;
        dc.onmessage = ev => {
            const view = new DataView(ev.data);
            const s = view.getUint32(0), idx = view.getUint16(4), count = view.getUint16(6);
            if (s !== seq) { parts = new Array(count); seq = s; }
            parts[idx] = new Uint8Array(ev.data, 8);
            if (parts.filter(Boolean).length === count) {
                createImageBitmap(new Blob(parts, { type: 'image/jpeg' })).then(bmp => {
                    canvas.width = bmp.width; canvas.height = bmp.height;
                    ctx.drawImage(bmp, 0, 0);
                });
                parts = [];
            }
        };
        pc.createOffer()
            .then(offer => pc.setLocalDescription(offer))
            .then(() => new Promise(resolve => {
                if (pc.iceGatheringState === 'complete') return resolve();
                pc.onicegatheringstatechange = () => { if (pc.iceGatheringState === 'complete') resolve(); };
            }))
            .then(() => fetch('/api/webrtc/offer', {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify(pc.localDescription)
            }))
            .then(r => r.json())
            .then(answer => {
                if (answer.error) throw new Error(answer.error);
                return pc.setRemoteDescription(answer);
            })
            .catch(err => { showToast('WebRTC: ' + err.message, true); showMJPEG(); });
    }

    function showMJPEG() {
        if (pc) { pc.close(); pc = null; }
        document.getElementById('webrtc-canvas').style.display = 'none';
        const img = document.getElementById('stream');
        img.src = '/video_feed';
        img.style.display = 'block';
        document.getElementById('btn-mjpeg').className = 'active';
        document.getElementById('btn-webrtc').className = 'secondary';
    }

    function showWebRTC() {
        const img = document.getElementById('stream');
        img.src = '';
        img.style.display = 'none';
        document.getElementById('webrtc-canvas').style.display = 'block';
        document.getElementById('btn-mjpeg').className = 'secondary';
        document.getElementById('btn-webrtc').className = 'active';
        startWebRTC();
    }

    document.getElementById('btn-mjpeg').addEventListener('click', showMJPEG);
    document.getElementById('btn-webrtc').addEventListener('click', showWebRTC);

    document.addEventListener('DOMContentLoaded', () => {
        fetch('/api/settings').then(r => r.json()).then(renderSettings);
        pollStats();
        connectStats();
    });
    </script>
</body>
</html>
`
