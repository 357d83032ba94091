package fetcher

type Config struct {
	// MaxConcurrency bounds the number of requests in flight. Values below 1
	// mean 1.
	MaxConcurrency int
}
