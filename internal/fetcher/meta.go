package fetcher

import (
	"fmt"
	"net/http"
)

// Source metadata keys understood by the built-in engines.
const (
	// MetaSelector narrows text extraction to a CSS selector.
	MetaSelector = "selector"
	// MetaHeaders holds extra request headers as a string map.
	MetaHeaders = "headers"
)

// SelectorFromMeta returns the configured CSS selector, if any.
func SelectorFromMeta(meta map[string]any) string {
	s, _ := meta[MetaSelector].(string)
	return s
}

// HeadersFromMeta converts the MetaHeaders entry into an http.Header.
func HeadersFromMeta(meta map[string]any) http.Header {
	headers := http.Header{}
	switch v := meta[MetaHeaders].(type) {
	case map[string]string:
		for key, value := range v {
			headers.Add(key, value)
		}
	case map[string]any:
		for key, value := range v {
			headers.Add(key, fmt.Sprint(value))
		}
	}
	return headers
}
