package server

import (
	"github.com/raysh454/snaptap/internal/capture"
	"github.com/raysh454/snaptap/internal/stylesnap"
)

// CaptureRequest asks the server to load a page and wait for an upload.
// Either URL or Origin+ImageURL must be given.
type CaptureRequest struct {
	URL      string `json:"url,omitempty"`
	Origin   string `json:"origin,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// CaptureResponse carries the captured exchange and, when the body is a
// stylesnap response, its decoded products.
type CaptureResponse struct {
	Exchange capture.Exchange    `json:"exchange"`
	Products []stylesnap.Product `json:"products,omitempty"`
}

// CountResponse reports the number of buffered or archived exchanges.
type CountResponse struct {
	Count int `json:"count"`
}

// ErrorResponse is a uniform error payload returned by the API.
type ErrorResponse struct {
	Error string `json:"error"`
}
