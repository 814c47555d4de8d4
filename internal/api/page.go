package api

import (
	"html/template"
	"net/http"

	"slug/internal/logging"
)

var indexPage = template.Must(template.New("index").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>slug</title>
</head>
<body>
<p>slug is running. This tab keeps the local service alive; closing it stops the service.</p>
<script>
(function () {
  const session = {{.Session}};
  const query = "?session=" + encodeURIComponent(session);
  const beat = function () {
    fetch("/api/heartbeat" + query, {method: "POST"}).catch(function () {});
  };
  beat();
  setInterval(beat, {{.IntervalMillis}});
  window.addEventListener("pagehide", function () {
    navigator.sendBeacon("/api/session/close" + query);
  });
})();
</script>
</body>
</html>
`))

type indexData struct {
	Session        string
	IntervalMillis int64
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, http.StatusNotFound, "not found", "")
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	data := indexData{
		Session:        r.URL.Query().Get("session"),
		IntervalMillis: s.session.HeartbeatInterval().Milliseconds(),
	}
	if err := indexPage.Execute(w, data); err != nil {
		s.logger.Error("render index page failed", logging.Error(err))
	}
}
