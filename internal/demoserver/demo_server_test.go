package demoserver_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/raysh454/snaptap/internal/demoserver"
	"github.com/raysh454/snaptap/internal/stylesnap"
)

func TestDemoServer_PageEmbedsUploadScript(t *testing.T) {
	s := demoserver.NewDemoServer(demoserver.Config{Transport: "fetch"})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stylesnap?q=https%3A%2F%2Fexample.com%2Fshirt.jpg")
	if err != nil {
		t.Fatalf("GET page: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "/stylesnap/upload?stylesnapToken=") {
		t.Errorf("page does not upload to the stylesnap endpoint: %s", body)
	}
	if got := s.Stats().Loads; got != 1 {
		t.Errorf("expected 1 load, got %d", got)
	}
}

func TestDemoServer_UploadBlocksThenServesJSON(t *testing.T) {
	s := demoserver.NewDemoServer(demoserver.Config{BlockedUploads: 1})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	get := func() string {
		resp, err := http.Post(ts.URL+"/stylesnap/upload?stylesnapToken=abcdef", "text/plain", nil)
		if err != nil {
			t.Fatalf("POST upload: %v", err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return string(b)
	}

	if _, err := stylesnap.Decode(get()); err == nil {
		t.Fatal("first upload should be the robot check page")
	}
	products, err := stylesnap.Decode(get())
	if err != nil {
		t.Fatalf("second upload should decode: %v", err)
	}
	if len(products) != 1 || products[0].ASIN != "B0DEMOabcd" {
		t.Fatalf("unexpected products: %+v", products)
	}

	st := s.Stats()
	if st.Uploads != 2 || st.Blocked != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
