package demoserver

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DemoServer imitates a stylesnap search page: the page uploads the query
// image from script and renders the JSON it gets back.
type DemoServer struct {
	cfg Config

	mu      sync.Mutex
	loads   int
	uploads int
	blocked int
}

// Stats counts requests served so far.
type Stats struct {
	Loads   int `json:"loads"`
	Uploads int `json:"uploads"`
	Blocked int `json:"blocked"`
}

// NewDemoServer creates a new demo server instance.
func NewDemoServer(cfg Config) *DemoServer {
	if cfg.Transport == "" {
		cfg.Transport = "both"
	}
	return &DemoServer{cfg: cfg}
}

// Handler returns the demo routes.
func (s *DemoServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stylesnap", s.pageHandler)
	mux.HandleFunc("/stylesnap/upload", s.uploadHandler)
	mux.HandleFunc("/stylesnap/other", s.otherHandler)
	mux.HandleFunc("/demo/stats", s.statsHandler)
	return mux
}

// Start starts the demo server.
func (s *DemoServer) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	fmt.Printf("Demo server starting on http://localhost%s\n", addr)
	fmt.Printf("Search page at http://localhost%s/stylesnap?q=https://example.com/shirt.jpg\n", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// Stats returns a copy of the request counters.
func (s *DemoServer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Loads: s.loads, Uploads: s.uploads, Blocked: s.blocked}
}

func (s *DemoServer) pageHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.loads++
	s.mu.Unlock()

	data := struct {
		Query     string
		Token     string
		Transport string
	}{
		Query:     r.URL.Query().Get("q"),
		Token:     uuid.New().String(),
		Transport: s.cfg.Transport,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *DemoServer) uploadHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.UploadDelay > 0 {
		time.Sleep(s.cfg.UploadDelay)
	}

	s.mu.Lock()
	s.uploads++
	block := s.blocked < s.cfg.BlockedUploads
	if block {
		s.blocked++
	}
	s.mu.Unlock()

	if block {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>Enter the characters you see below</body></html>`))
		return
	}

	token := r.URL.Query().Get("stylesnapToken")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"searchResults": []any{
			map[string]any{
				"bbxAsinMetadataList": []any{
					map[string]any{
						"glProductGroup":       "gl_apparel",
						"byLine":               "Demo Brand",
						"price":                "$19.99",
						"listPrice":            "$24.99",
						"imageUrl":             "https://example.com/similar-1.jpg",
						"asin":                 "B0DEMO" + shortToken(token),
						"title":                "Similar Linen Shirt",
						"averageOverallRating": 4.4,
						"totalReviewCount":     321,
					},
				},
			},
		},
	})
}

func shortToken(token string) string {
	if len(token) > 4 {
		return token[:4]
	}
	return token
}

func (s *DemoServer) otherHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"noise":true}`))
}

func (s *DemoServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Stats())
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><title>Stylesnap Demo</title></head>
<body>
  <h1>Similar items</h1>
  <p id="query">{{.Query}}</p>
  <ul id="results"></ul>
  <script>
    (function () {
      var query = {{.Query}};
      var url = '/stylesnap/upload?stylesnapToken=' + encodeURIComponent({{.Token}});
      var mode = {{.Transport}};

      function render(text) {
        var li = document.createElement('li');
        li.textContent = text.slice(0, 80);
        document.getElementById('results').appendChild(li);
      }

      fetch('/stylesnap/other').then(function (r) { return r.text(); });

      if (mode === 'fetch' || mode === 'both') {
        fetch(url, {method: 'POST', body: query})
          .then(function (r) { return r.text(); })
          .then(render);
      }
      if (mode === 'xhr' || mode === 'both') {
        var xhr = new XMLHttpRequest();
        xhr.open('POST', url);
        xhr.onload = function () { render(xhr.responseText); };
        xhr.send(query);
      }
    })();
  </script>
</body>
</html>`))
