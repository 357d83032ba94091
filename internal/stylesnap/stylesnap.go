// Package stylesnap decodes the JSON returned by the stylesnap image upload
// endpoint into a list of visually similar products.
package stylesnap

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
)

var ErrNoResults = errors.New("stylesnap: response has no search results")

// Product is one similar item from bbxAsinMetadataList.
type Product struct {
	GLProductGroup       string  `json:"glProductGroup"`
	ByLine               string  `json:"byLine"`
	Price                string  `json:"price"`
	ListPrice            string  `json:"listPrice"`
	ImageURL             string  `json:"imageUrl"`
	ASIN                 string  `json:"asin"`
	Title                string  `json:"title"`
	AverageOverallRating float64 `json:"averageOverallRating"`
	TotalReviewCount     int     `json:"totalReviewCount"`
}

type uploadResponse struct {
	SearchResults []struct {
		BbxAsinMetadataList []Product `json:"bbxAsinMetadataList"`
	} `json:"searchResults"`
}

// Decode extracts the products of the first search result.
func Decode(body string) ([]Product, error) {
	var resp uploadResponse
	if err := sonic.UnmarshalString(body, &resp); err != nil {
		return nil, fmt.Errorf("decode stylesnap response: %w", err)
	}
	if len(resp.SearchResults) == 0 {
		return nil, ErrNoResults
	}
	products := resp.SearchResults[0].BbxAsinMetadataList
	if products == nil {
		products = []Product{}
	}
	return products, nil
}

// SearchURL returns the stylesnap page that searches by imageURL on origin,
// e.g. https://www.amazon.com/stylesnap?q=<escaped image url>.
func SearchURL(origin, imageURL string) string {
	return strings.TrimRight(origin, "/") + "/stylesnap?q=" + url.QueryEscape(imageURL)
}
